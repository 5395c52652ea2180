package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blobdepot/blobdepot/internal/utils"
)

// LocalService stores objects as files under a configured root
// directory. Keys map to relative paths; intermediate directories are
// created on Put.
type LocalService struct {
	name       string
	root       string
	publicBase string
	secret     []byte
}

func NewLocalService(name string, cfg *LocalConfig) (*LocalService, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "blobdepot")
	}

	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, &ConfigError{Field: "root", Reason: err.Error()}
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, &ConfigError{Field: "root", Reason: fmt.Sprintf("create %q: %v", root, err)}
	}

	return &LocalService{
		name:       name,
		root:       root,
		publicBase: strings.TrimSuffix(cfg.PublicBase, "/"),
		secret:     []byte(cfg.Secret),
	}, nil
}

func (l *LocalService) Name() string {
	return l.name
}

// Root returns the resolved storage root directory.
func (l *LocalService) Root() string {
	return l.root
}

func (l *LocalService) path(key string) (string, error) {
	if !ValidateKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	p := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return p, nil
}

func (l *LocalService) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(path); err != nil {
		return &BackendError{Detail: fmt.Sprintf("mkdir for %q: %v", key, err)}
	}

	// Write to a temp file in the destination directory, then rename,
	// so readers never observe a half-written object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return &BackendError{Detail: fmt.Sprintf("temp file for %q: %v", key, err)}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return &BackendError{Detail: fmt.Sprintf("write %q: %v", key, err)}
	}
	if err := tmp.Close(); err != nil {
		return &BackendError{Detail: fmt.Sprintf("close %q: %v", key, err)}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &BackendError{Detail: fmt.Sprintf("rename %q: %v", key, err)}
	}
	return nil
}

func (l *LocalService) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, &BackendError{Detail: fmt.Sprintf("read %q: %v", key, err)}
	}
	return data, nil
}

// Delete is idempotent: removing a missing file is success.
func (l *LocalService) Delete(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &BackendError{Detail: fmt.Sprintf("remove %q: %v", key, err)}
	}
	return nil
}

func (l *LocalService) Exists(ctx context.Context, key string) bool {
	path, err := l.path(key)
	if err != nil {
		return false
	}
	return utils.FileExists(path)
}

// PublicURL joins the configured public base with the key. There are
// no network semantics; serving the files is the caller's concern.
func (l *LocalService) PublicURL(key string) string {
	if l.publicBase == "" {
		return "/" + key
	}
	return l.publicBase + "/" + key
}

// SignedURL appends an expiry timestamp and an HMAC over (key, expiry)
// to the public URL. Requires a configured secret.
func (l *LocalService) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if len(l.secret) == 0 {
		return "", &ConfigError{Field: "secret", Reason: "required for signed URLs"}
	}
	if !ValidateKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}

	expires := time.Now().Add(ttl).Unix()
	sig := l.sign(key, expires)

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", sig)
	return l.PublicURL(key) + "?" + q.Encode(), nil
}

// VerifySignature checks a signature produced by SignedURL. Expired or
// forged signatures return false.
func (l *LocalService) VerifySignature(key string, expires int64, signature string) bool {
	if len(l.secret) == 0 || time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(l.sign(key, expires)), []byte(signature))
}

func (l *LocalService) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// UpdateMetadata is a no-op: the filesystem holds no per-object
// metadata store.
func (l *LocalService) UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error {
	return nil
}

var _ Service = (*LocalService)(nil)
