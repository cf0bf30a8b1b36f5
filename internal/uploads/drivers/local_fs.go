package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a key has no stored content.
var ErrNotFound = errors.New("file not found")

const metaSuffix = ".meta"

// LocalFSDriver stores files on local disk below BaseDir, fanned out into
// two directory levels taken from the key prefix.
type LocalFSDriver struct {
	BaseDir   string
	PublicURL string // Base URL of the server's upload routes, e.g. /api/v1/uploads
}

// NewLocalFSDriver creates a new LocalFSDriver, creating baseDir if needed.
func NewLocalFSDriver(baseDir, publicURL string) (*LocalFSDriver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalFSDriver{BaseDir: baseDir, PublicURL: publicURL}, nil
}

func (d *LocalFSDriver) path(key string) string {
	key = filepath.Base(key)
	if len(key) < 4 {
		return filepath.Join(d.BaseDir, key)
	}
	return filepath.Join(d.BaseDir, key[0:2], key[2:4], key)
}

func (d *LocalFSDriver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	fullPath := d.path(key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create hashed directory: %w", err)
	}

	// write to a temp file first so readers never see partial content
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save file content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.WriteFile(fullPath+metaSuffix, []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(fullPath + metaSuffix)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (d *LocalFSDriver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	fullPath := d.path(key)
	f, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if meta, err := os.ReadFile(fullPath + metaSuffix); err == nil {
		contentType = string(meta)
	}
	return f, contentType, nil
}

func (d *LocalFSDriver) Delete(ctx context.Context, key string) error {
	fullPath := d.path(key)
	_ = os.Remove(fullPath + metaSuffix)
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// GenerateURL returns the server route serving key. Local URLs do not expire.
func (d *LocalFSDriver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if d.PublicURL == "" {
		return key, nil
	}
	return fmt.Sprintf("%s/%s", d.PublicURL, key), nil
}

// PresignUpload points the client at the server's PUT route for key.
func (d *LocalFSDriver) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, map[string]string, error) {
	url, err := d.GenerateURL(ctx, key, expires)
	if err != nil {
		return "", nil, err
	}
	return url, map[string]string{"Content-Type": contentType}, nil
}
