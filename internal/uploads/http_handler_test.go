package uploads

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/accessportal/internal/uploads/drivers"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	driver, err := drivers.NewLocalFSDriver(t.TempDir(), "/uploads")
	require.NoError(t, err)

	writeError := func(c *gin.Context, err error) {
		status := http.StatusInternalServerError
		switch {
		case model.IsKind(err, model.KindValidation):
			status = http.StatusUnprocessableEntity
		case model.IsKind(err, model.KindNotFound):
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
	}

	r := gin.New()
	NewHTTPHandler(NewUploadService(driver, time.Minute, 1024), writeError).Register(r.Group("/uploads"))
	return r
}

func TestHTTPHandler_MultipartRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var uploaded UploadedFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	assert.Equal(t, "notes.txt", uploaded.Name)
	assert.Equal(t, "/uploads/"+uploaded.Key, uploaded.URL)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, uploaded.URL, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestHTTPHandler_PresignThenPut(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/uploads/presign",
		strings.NewReader(`{"name":"agreement.pdf","mediaType":"application/pdf","size":3}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var target UploadTarget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &target))
	assert.Equal(t, http.MethodPut, target.Method)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(target.Method, target.URL, strings.NewReader("pdf"))
	req.Header.Set("Content-Type", "application/pdf")
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target.URL, nil))
	assert.Equal(t, "pdf", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
}

func TestHTTPHandler_Errors(t *testing.T) {
	r := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/0b7c5f0e-4a53-4b3e-9a8e-4c1f0f0e2a11", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/uploads/presign", strings.NewReader(`{"name":"big.bin","size":4096}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/uploads/presign", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
