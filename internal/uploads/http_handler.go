package uploads

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// maxMultipartMemory bounds the in-memory part of a multipart upload; the
// rest spills to temp files.
const maxMultipartMemory = 32 << 20

// ErrorWriter renders a service error as an HTTP response.
type ErrorWriter func(c *gin.Context, err error)

// HTTPHandler exposes the upload service over gin.
type HTTPHandler struct {
	Service    *UploadService
	writeError ErrorWriter
}

func NewHTTPHandler(service *UploadService, writeError ErrorWriter) *HTTPHandler {
	return &HTTPHandler{Service: service, writeError: writeError}
}

// Register mounts the upload routes on g.
func (h *HTTPHandler) Register(g gin.IRoutes) {
	g.POST("", h.Upload)
	g.POST("/presign", h.Presign)
	g.PUT("/:key", h.Put)
	g.GET("/:key", h.Download)
}

// Upload handles POST with a multipart "file" field.
func (h *HTTPHandler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxMultipartMemory); err != nil {
		h.writeError(c, model.NewValidationError("failed to parse form"))
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.writeError(c, model.NewValidationError("file is required",
			model.FieldError{Field: "file", Code: "required", Message: "multipart field file is required"}))
		return
	}
	defer file.Close()

	uploaded, err := h.Service.Upload(c.Request.Context(), header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "upload failed", "error", err)
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, uploaded)
}

type presignRequest struct {
	Name      string `json:"name" binding:"required"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// Presign reserves a key and returns an upload target.
func (h *HTTPHandler) Presign(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, model.NewValidationError("invalid presign request",
			model.FieldError{Field: "name", Code: "required", Message: err.Error()}))
		return
	}
	target, err := h.Service.PresignUpload(c.Request.Context(), req.Name, req.MediaType, req.Size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, target)
}

// Put stores the raw request body under a presigned key. It backs the
// upload targets handed out by the local driver.
func (h *HTTPHandler) Put(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.limit())
	err := h.Service.Store(c.Request.Context(), c.Param("key"), body, c.Request.ContentLength, c.ContentType())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) limit() int64 {
	if h.Service.maxSize > 0 {
		return h.Service.maxSize
	}
	return 1 << 40
}

// Download streams a stored file.
func (h *HTTPHandler) Download(c *gin.Context) {
	reader, contentType, err := h.Service.Download(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		slog.WarnContext(c.Request.Context(), "download interrupted", "key", c.Param("key"), "error", err)
	}
}
