// Package blob stores uploaded files on local disk and brokers access through
// HMAC-signed, expiring URLs. Keys are deterministic so re-uploads of the
// same logical file land in predictable places:
//
//	{roomId}/{origin}/{ISO-timestamp}-{safeName}
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/types"
)

var _ types.BlobStore = (*Disk)(nil)

// Signing and traversal errors.
var (
	ErrInvalidKey       = errors.New("blob: invalid key")
	ErrSignatureExpired = errors.New("blob: signature expired")
	ErrBadSignature     = errors.New("blob: bad signature")
)

// Disk is the local-filesystem blob store.
type Disk struct {
	rootDir    string
	secret     []byte
	publicBase string // e.g. "http://localhost:8080"
	now        func() time.Time
}

// NewDisk creates a blob store rooted at rootDir. secret signs download and
// upload URLs; publicBase prefixes them.
func NewDisk(rootDir, secret, publicBase string) (*Disk, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if secret == "" {
		return nil, errors.New("blob: signing secret is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root directory: %w", err)
	}
	return &Disk{
		rootDir:    rootDir,
		secret:     []byte(secret),
		publicBase: strings.TrimRight(publicBase, "/"),
		now:        time.Now,
	}, nil
}

// Key builds the deterministic storage key for a logical file.
func Key(roomID types.RoomIDType, origin, fileName string) string {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	return fmt.Sprintf("%s/%s/%s-%s", roomID, origin, ts, SafeName(fileName))
}

// SafeName strips path separators and control characters from a file name.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7F:
		case r == '?', r == '#', r == '%':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// resolve maps a key to a path under rootDir, rejecting traversal.
func (d *Disk) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	full := filepath.Join(d.rootDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.rootDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidKey
	}
	return full, nil
}

func (d *Disk) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, d.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a key/expiry/signature triple from a download or
// upload request.
func (d *Disk) VerifySignature(key string, expires int64, sig string) error {
	if d.now().Unix() > expires {
		return ErrSignatureExpired
	}
	want := d.sign(key, expires)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrBadSignature
	}
	return nil
}

func (d *Disk) signedURL(route, key string, ttl time.Duration) string {
	expires := d.now().Add(ttl).Unix()
	return fmt.Sprintf("%s%s?key=%s&expires=%d&sig=%s",
		d.publicBase, route, url.QueryEscape(key), expires, d.sign(key, expires))
}

func (d *Disk) GenerateUploadURL(_ context.Context, key, mime string, ttl time.Duration) (*types.UploadTarget, error) {
	if _, err := d.resolve(key); err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if mime != "" {
		headers["Content-Type"] = mime
	}
	return &types.UploadTarget{
		URL:     d.signedURL("/api/files", key, ttl),
		Headers: headers,
	}, nil
}

func (d *Disk) GetSignedDownloadURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := d.resolve(key); err != nil {
		return "", err
	}
	return d.signedURL("/downloads/"+url.PathEscape(path.Base(key)), key, ttl), nil
}

// Rename moves a blob to a new key and returns a fresh download URL.
func (d *Disk) Rename(ctx context.Context, oldKey, newKey string) (string, error) {
	oldPath, err := d.resolve(oldKey)
	if err != nil {
		return "", err
	}
	newPath, err := d.resolve(newKey)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return "", fmt.Errorf("blob: create key directory: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return d.GetSignedDownloadURL(ctx, newKey, 24*time.Hour)
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	full, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	logging.Info(ctx, "blob deleted", zap.String("key", key))
	return nil
}

// UploadBytes writes server-originated bytes (exports, generated files)
// directly and returns a signed download URL.
func (d *Disk) UploadBytes(ctx context.Context, key string, data []byte, _ map[string]string) (string, error) {
	full, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("blob: create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-write-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blob: write bytes: %w", errors.Join(writeErr, closeErr))
	}
	if err := os.Rename(tmpPath, full); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blob: move into place: %w", err)
	}

	logging.Info(ctx, "blob stored",
		zap.String("key", key),
		zap.Int("size", len(data)))
	return d.GetSignedDownloadURL(ctx, key, 24*time.Hour)
}

// Open returns the on-disk path for a verified key. The download handler
// calls this after VerifySignature.
func (d *Disk) Open(key string) (string, error) {
	full, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("blob: stat: %w", err)
	}
	return full, nil
}

// ParseSignedQuery extracts key/expires/sig from a request query.
func ParseSignedQuery(q url.Values) (key string, expires int64, sig string, err error) {
	key = q.Get("key")
	sig = q.Get("sig")
	expires, err = strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || key == "" || sig == "" {
		return "", 0, "", ErrInvalidKey
	}
	return key, expires, sig, nil
}
