package invoice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Storage defines the interface for invoice file storage.
type Storage interface {
	// Put stores a file under the given path and returns a retrievable
	// URL together with the path it was stored at.
	Put(path string, data []byte) (fileURL string, storedPath string, err error)

	// Get retrieves a file by path.
	Get(path string) ([]byte, error)

	// Delete removes a file.
	Delete(path string) error

	// SignedURL returns a URL for the file that expires after ttl.
	SignedURL(path string, ttl time.Duration) (string, error)

	// VerifySignedURL checks the expiry and signature produced by
	// SignedURL for the given path.
	VerifySignedURL(path string, expires int64, signature string) error
}

// LocalStorage implements Storage on the local filesystem. Signed URLs
// carry an HMAC-SHA256 over path and expiry so the download handler can
// serve files without consulting the database.
type LocalStorage struct {
	basePath string
	baseURL  string
	secret   []byte
	now      func() time.Time
}

// NewLocalStorage creates a LocalStorage rooted at basePath. baseURL is
// the public prefix signed URLs are built on (e.g. "/files"); secret
// keys the URL signatures.
func NewLocalStorage(basePath, baseURL string, secret []byte) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		secret:   secret,
		now:      time.Now,
	}, nil
}

// Put stores a file under basePath, creating owner subdirectories as needed.
func (l *LocalStorage) Put(path string, data []byte) (string, string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", "", fmt.Errorf("writing file: %w", err)
	}
	return l.baseURL + "/" + path, path, nil
}

// Get retrieves a file from local storage.
func (l *LocalStorage) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage.
func (l *LocalStorage) Delete(path string) error {
	if err := os.Remove(filepath.Join(l.basePath, filepath.FromSlash(path))); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// SignedURL returns a time-limited download URL for the file.
func (l *LocalStorage) SignedURL(path string, ttl time.Duration) (string, error) {
	expires := l.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(path, expires))
	return l.baseURL + "/" + path + "?" + q.Encode(), nil
}

// VerifySignedURL checks the expiry and signature for a path.
func (l *LocalStorage) VerifySignedURL(path string, expires int64, signature string) error {
	if l.now().Unix() > expires {
		return fmt.Errorf("signed url expired")
	}
	expected := l.sign(path, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (l *LocalStorage) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s:%d", path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
