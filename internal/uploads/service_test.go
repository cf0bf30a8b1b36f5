package uploads

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/accessportal/internal/uploads/drivers"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// MockDriver implements StorageDriver for testing
type MockDriver struct {
	SavedKey       string
	SavedBody      []byte
	GenerateURLErr error
	DeleteCalled   bool
	DeleteKey      string
	Missing        bool
}

func (m *MockDriver) Save(ctx context.Context, key string, body io.Reader, contentType string) error {
	m.SavedKey = key
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.SavedBody = content
	return nil
}

func (m *MockDriver) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if m.Missing {
		return nil, "", drivers.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(m.SavedBody)), "application/test", nil
}

func (m *MockDriver) Delete(ctx context.Context, key string) error {
	m.DeleteCalled = true
	m.DeleteKey = key
	return nil
}

func (m *MockDriver) GenerateURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if m.GenerateURLErr != nil {
		return "", m.GenerateURLErr
	}
	return "/test/" + key, nil
}

func (m *MockDriver) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, map[string]string, error) {
	return "/put/" + key, map[string]string{"Content-Type": contentType}, nil
}

func TestUploadService(t *testing.T) {
	mock := &MockDriver{}
	service := NewUploadService(mock, time.Minute, 0)
	content := []byte("image data")

	uploaded, err := service.Upload(context.Background(), "test.jpg", bytes.NewReader(content), int64(len(content)), "image/jpeg")
	require.NoError(t, err)

	assert.Equal(t, "test.jpg", uploaded.Name)
	assert.Equal(t, "image/jpeg", uploaded.MediaType)
	assert.Equal(t, mock.SavedKey, uploaded.Key)
	assert.True(t, ValidKey(uploaded.Key))
	assert.Equal(t, "/test/"+mock.SavedKey, uploaded.URL)
	assert.Equal(t, content, mock.SavedBody)
}

func TestUploadService_TooLarge(t *testing.T) {
	mock := &MockDriver{}
	service := NewUploadService(mock, time.Minute, 4)

	_, err := service.Upload(context.Background(), "big.bin", bytes.NewReader([]byte("12345")), 5, "")
	assert.True(t, model.IsKind(err, model.KindValidation))
	assert.Empty(t, mock.SavedKey)
}

func TestUploadService_GenerateURLFailure(t *testing.T) {
	mock := &MockDriver{GenerateURLErr: io.ErrUnexpectedEOF}
	service := NewUploadService(mock, time.Minute, 0)

	_, err := service.Upload(context.Background(), "test_fail.jpg", bytes.NewReader([]byte("x")), 1, "image/jpeg")
	require.Error(t, err)
	assert.True(t, mock.DeleteCalled)
	assert.Equal(t, mock.SavedKey, mock.DeleteKey)
}

func TestUploadService_PresignUpload(t *testing.T) {
	service := NewUploadService(&MockDriver{}, 10*time.Minute, 0)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	service.now = func() time.Time { return fixed }

	target, err := service.PresignUpload(context.Background(), "agreement.pdf", "application/pdf", 100)
	require.NoError(t, err)
	assert.True(t, ValidKey(target.Key))
	assert.Equal(t, ".pdf", target.Key[len(target.Key)-4:])
	assert.Equal(t, "/put/"+target.Key, target.URL)
	assert.Equal(t, http.MethodPut, target.Method)
	assert.Equal(t, "application/pdf", target.Headers["Content-Type"])
	assert.Equal(t, fixed.Add(10*time.Minute), target.ExpiresAt)
}

func TestUploadService_Download(t *testing.T) {
	mock := &MockDriver{SavedBody: []byte("test content")}
	service := NewUploadService(mock, time.Minute, 0)
	ctx := context.Background()

	reader, contentType, err := service.Download(ctx, "0b7c5f0e-4a53-4b3e-9a8e-4c1f0f0e2a11.pdf")
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "application/test", contentType)
	content, _ := io.ReadAll(reader)
	assert.Equal(t, mock.SavedBody, content)

	t.Run("Malformed key", func(t *testing.T) {
		_, _, err := service.Download(ctx, "../../etc/passwd")
		assert.True(t, model.IsKind(err, model.KindNotFound))
	})

	t.Run("Missing file", func(t *testing.T) {
		mock.Missing = true
		_, _, err := service.Download(ctx, "0b7c5f0e-4a53-4b3e-9a8e-4c1f0f0e2a11")
		assert.True(t, model.IsKind(err, model.KindNotFound))
	})
}

func TestUploadService_Store(t *testing.T) {
	mock := &MockDriver{}
	service := NewUploadService(mock, time.Minute, 0)

	err := service.Store(context.Background(), "not-a-key", bytes.NewReader(nil), 0, "")
	assert.True(t, model.IsKind(err, model.KindNotFound))

	key := "0b7c5f0e-4a53-4b3e-9a8e-4c1f0f0e2a11.txt"
	require.NoError(t, service.Store(context.Background(), key, bytes.NewReader([]byte("hi")), 2, "text/plain"))
	assert.Equal(t, key, mock.SavedKey)
}
