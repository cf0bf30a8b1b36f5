package uploads

import (
	"context"
	"io"
	"time"
)

// StorageDriver defines how we interact with the binary storage
type StorageDriver interface {
	// Save writes the content to the storage under key
	Save(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get returns a ReadCloser to stream the file back and its content type
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Delete removes the file
	Delete(ctx context.Context, key string) error

	// GenerateURL returns a URL the file can be retrieved from
	GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// PresignUpload returns a URL and the headers a client sends to upload
	// the content of key directly
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (url string, headers map[string]string, err error)
}
