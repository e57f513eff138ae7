package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DiskStore keeps objects under a root directory and hands out HMAC-signed
// download URLs with an expiry, served by the HTTP layer.
type DiskStore struct {
	root    string
	baseURL string
	secret  []byte
	urlTTL  time.Duration
	now     func() time.Time
}

type DiskConfig struct {
	Root    string
	BaseURL string
	Secret  []byte
	URLTTL  time.Duration
}

func NewDiskStore(cfg DiskConfig) (*DiskStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("blob root is empty")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("blob signing secret is empty")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &DiskStore{
		root:    cfg.Root,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		urlTTL:  cfg.URLTTL,
		now:     time.Now,
	}, nil
}

var _ Store = (*DiskStore)(nil)

// Put copies the local file into the store. The object name gets a random
// suffix so same-named uploads from one chat cannot collide.
func (s *DiskStore) Put(ctx context.Context, localPath, objectName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(objectName) == "" {
		objectName = fmt.Sprintf("file-%d", s.now().UnixMilli())
	}

	ref := path.Join(uuid.NewString()[:8], sanitizeName(objectName))
	dst := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close object file: %w", err)
	}
	return ref, nil
}

// ResolveURL signs a download URL for a stored reference. The reference must
// exist on disk.
func (s *DiskStore) ResolveURL(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(ref))); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat object: %w", err)
	}

	expires := s.now().Add(s.urlTTL).Unix()
	q := url.Values{}
	q.Set("ref", ref)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(ref, expires))
	return s.baseURL + "/blobs?" + q.Encode(), nil
}

// Open verifies a signed URL's query parameters and opens the object for
// serving. Used by the HTTP download handler.
func (s *DiskStore) Open(ref string, expires int64, sig string) (io.ReadCloser, error) {
	if s.now().Unix() > expires {
		return nil, fmt.Errorf("download url expired")
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(ref, expires))) {
		return nil, fmt.Errorf("invalid signature")
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (s *DiskStore) sign(ref string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", ref, expires)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
