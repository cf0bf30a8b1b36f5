package uploads

import (
	"time"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// UploadTarget tells a client where and how to send file content.
type UploadTarget struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// UploadedFile is the result of an upload through the server.
type UploadedFile struct {
	model.FileRef
	URL string `json:"url,omitempty"`
}
