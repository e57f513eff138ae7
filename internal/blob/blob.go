package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

// Store is the object storage collaborator. Put copies a local file into
// durable storage and returns an opaque storage reference; ResolveURL turns a
// stored reference into a fresh, time-limited download URL. Callers must not
// cache resolved URLs past their expiry.
type Store interface {
	Put(ctx context.Context, localPath, objectName string) (ref string, err error)
	ResolveURL(ctx context.Context, ref string) (url string, err error)
}
