// Package media converts raw user file picks into uniform attachment
// descriptors ready for upload and streaming.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"lechat/internal/notify"
	"lechat/internal/storage"
)

const (
	MaxImages    = 4
	MaxDocuments = 4
)

// ContentTypePDF is the only content type rendered with the document
// previewer; every other type falls back to the image renderer.
const ContentTypePDF = "application/pdf"

// Pick is one raw media selection from a camera capture, a library selection
// or a document pick. Base64 is set when the picking API already produced it.
type Pick struct {
	Path     string
	Name     string
	MimeType string
	Base64   string
}

// Descriptor is the normalized attachment: a local resource locator, a
// best-effort filename and MIME type, and a base64 payload.
type Descriptor struct {
	URL         string
	Name        string
	ContentType string
	Base64      string
}

// PermissionFunc asks the device for media access. Returning false means the
// user denied it.
type PermissionFunc func(ctx context.Context) (bool, error)

// AllowAll grants permission unconditionally.
func AllowAll(context.Context) (bool, error) { return true, nil }

type Normalizer struct {
	permission PermissionFunc
	notifier   notify.Notifier
	readFile   func(string) ([]byte, error)
}

func NewNormalizer(permission PermissionFunc, notifier notify.Notifier) *Normalizer {
	if permission == nil {
		permission = AllowAll
	}
	return &Normalizer{
		permission: permission,
		notifier:   notifier,
		readFile:   os.ReadFile,
	}
}

// Normalize turns picks into descriptors. Permission denial notifies the user
// (with a settings hint) and yields an empty slice, not an error, so the
// caller proceeds without attachments.
func (n *Normalizer) Normalize(ctx context.Context, picks []Pick) ([]Descriptor, error) {
	granted, err := n.permission(ctx)
	if err != nil {
		return nil, fmt.Errorf("request media permission: %w", err)
	}
	if !granted {
		n.notifier.Notify(notify.LevelInfo, "Media access denied. Enable it in system settings to attach files.")
		return []Descriptor{}, nil
	}

	out := make([]Descriptor, 0, len(picks))
	for _, p := range picks {
		d, err := n.normalizeOne(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (n *Normalizer) normalizeOne(p Pick) (Descriptor, error) {
	encoded := p.Base64
	var raw []byte
	if encoded == "" {
		var err error
		raw, err = n.readFile(p.Path)
		if err != nil {
			return Descriptor{}, fmt.Errorf("read %q: %w", p.Path, err)
		}
		encoded = base64.StdEncoding.EncodeToString(raw)
	}

	name := p.Name
	if name == "" {
		name = filepath.Base(p.Path)
	}

	contentType := p.MimeType
	if contentType == "" {
		contentType = detectContentType(p.Path, raw)
	}

	return Descriptor{
		URL:         p.Path,
		Name:        name,
		ContentType: contentType,
		Base64:      encoded,
	}, nil
}

// EnforceLimit caps a category at max descriptors, dropping the excess with a
// notification. Excess picks are not queued.
func (n *Normalizer) EnforceLimit(descriptors []Descriptor, max int, category string) []Descriptor {
	if len(descriptors) <= max {
		return descriptors
	}
	n.notifier.Notify(notify.LevelInfo, fmt.Sprintf("You can attach at most %d %s per message.", max, category))
	return descriptors[:max]
}

// IsDocument reports whether an attachment belongs to the document renderer
// family. Unrecognized types default to the image renderer.
func IsDocument(contentType string) bool {
	return strings.EqualFold(strings.TrimSpace(contentType), ContentTypePDF)
}

// Attachments converts descriptors into store attachments carrying the local
// path, pre-upload.
func Attachments(descriptors []Descriptor) []storage.Attachment {
	out := make([]storage.Attachment, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, storage.Attachment{
			URL:         d.URL,
			Name:        d.Name,
			ContentType: d.ContentType,
		})
	}
	return out
}

func detectContentType(path string, raw []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	if len(raw) > 0 {
		return http.DetectContentType(raw)
	}
	return "application/octet-stream"
}
