package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/uploads/drivers"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

const defaultMediaType = "application/octet-stream"

// keys are always generated here, so anything else is refused
var keyPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[A-Za-z0-9]{1,16})?$`)

// UploadService coordinates file uploads and retrieval URLs
type UploadService struct {
	Driver    StorageDriver
	urlExpiry time.Duration
	maxSize   int64
	now       func() time.Time
}

// NewUploadService creates an UploadService. maxSize of 0 disables the size limit.
func NewUploadService(driver StorageDriver, urlExpiry time.Duration, maxSize int64) *UploadService {
	return &UploadService{
		Driver:    driver,
		urlExpiry: urlExpiry,
		maxSize:   maxSize,
		now:       time.Now,
	}
}

// ValidKey reports whether key has the shape of a generated storage key.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

func newKey(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 17 {
		ext = ""
	}
	key := uuid.NewString() + ext
	if !ValidKey(key) {
		return uuid.NewString()
	}
	return key
}

func (s *UploadService) checkSize(size int64) error {
	if s.maxSize > 0 && size > s.maxSize {
		return model.NewValidationError("file too large", model.FieldError{
			Field:   "file.size",
			Code:    "too_large",
			Message: fmt.Sprintf("file is %d bytes, limit is %d", size, s.maxSize),
		})
	}
	return nil
}

// Upload saves the incoming file via the driver and returns its reference
func (s *UploadService) Upload(ctx context.Context, filename string, reader io.Reader, size int64, mime string) (*UploadedFile, error) {
	if mime == "" {
		mime = defaultMediaType
	}
	if err := s.checkSize(size); err != nil {
		return nil, err
	}
	key := newKey(filename)

	if err := s.Driver.Save(ctx, key, reader, mime); err != nil {
		return nil, fmt.Errorf("storage driver failed: %w", err)
	}

	url, err := s.Driver.GenerateURL(ctx, key, s.urlExpiry)
	if err != nil {
		if delErr := s.Driver.Delete(ctx, key); delErr != nil {
			slog.WarnContext(ctx, "failed to cleanup orphaned file", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("failed to generate URL: %w", err)
	}

	slog.InfoContext(ctx, "file uploaded", "key", key, "size", size, "mediaType", mime)
	return &UploadedFile{
		FileRef: model.FileRef{Key: key, Name: filename, Size: size, MediaType: mime},
		URL:     url,
	}, nil
}

// PresignUpload reserves a key for filename and returns where to send its content.
func (s *UploadService) PresignUpload(ctx context.Context, filename, mime string, size int64) (*UploadTarget, error) {
	if mime == "" {
		mime = defaultMediaType
	}
	if err := s.checkSize(size); err != nil {
		return nil, err
	}
	key := newKey(filename)
	url, headers, err := s.Driver.PresignUpload(ctx, key, mime, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}
	return &UploadTarget{
		Key:       key,
		URL:       url,
		Method:    http.MethodPut,
		Headers:   headers,
		ExpiresAt: s.now().Add(s.urlExpiry),
	}, nil
}

// Store writes content for a key reserved by PresignUpload.
func (s *UploadService) Store(ctx context.Context, key string, reader io.Reader, size int64, mime string) error {
	if !ValidKey(key) {
		return model.NewNotFoundError("file", key)
	}
	if mime == "" {
		mime = defaultMediaType
	}
	if err := s.checkSize(size); err != nil {
		return err
	}
	if err := s.Driver.Save(ctx, key, reader, mime); err != nil {
		return fmt.Errorf("storage driver failed: %w", err)
	}
	return nil
}

// Download retrieves the file content and its MIME type
func (s *UploadService) Download(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if !ValidKey(key) {
		return nil, "", model.NewNotFoundError("file", key)
	}
	reader, contentType, err := s.Driver.Get(ctx, key)
	if errors.Is(err, drivers.ErrNotFound) {
		return nil, "", model.NewNotFoundError("file", key)
	}
	return reader, contentType, err
}

// RetrievalURL returns a URL for a stored file.
func (s *UploadService) RetrievalURL(ctx context.Context, key string) (string, error) {
	return s.Driver.GenerateURL(ctx, key, s.urlExpiry)
}
