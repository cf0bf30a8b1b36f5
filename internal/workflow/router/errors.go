package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
	"github.com/OpenNSW/accessportal/utils"
)

func statusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation, model.KindConfiguration:
		return http.StatusUnprocessableEntity
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindInvalidTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as a JSON error body. Errors that are not engine
// errors are logged and reported as a bare internal error.
func WriteError(c *gin.Context, err error) {
	var engineErr *model.Error
	if !errors.As(err, &engineErr) || engineErr.Kind == model.KindInternal {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, &model.Error{
			Kind:    model.KindInternal,
			Message: "internal server error",
		})
		return
	}
	c.AbortWithStatusJSON(statusOf(engineErr.Kind), engineErr)
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		WriteError(c, model.NewValidationError("invalid identifier",
			model.FieldError{Field: name, Code: "invalid_uuid", Message: "must be a UUID"}))
		return uuid.Nil, false
	}
	return id, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		WriteError(c, model.NewValidationError("invalid request body",
			model.FieldError{Field: "body", Code: "invalid", Message: err.Error()}))
		return false
	}
	return true
}

// pagination reads offset and limit query parameters.
func pagination(c *gin.Context) (int, int, bool) {
	var offset, limit *int
	for name, dst := range map[string]**int{"offset": &offset, "limit": &limit} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(c, model.NewValidationError("invalid pagination",
				model.FieldError{Field: name, Code: "invalid_integer", Message: "must be an integer"}))
			return 0, 0, false
		}
		*dst = &v
	}
	o, l := utils.GetPaginationParams(offset, limit)
	return o, l, true
}

type page[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}
