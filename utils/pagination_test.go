package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPaginationParams(t *testing.T) {
	ptr := func(v int) *int { return &v }

	tests := []struct {
		name          string
		offset, limit *int
		wantOffset    int
		wantLimit     int
	}{
		{"defaults", nil, nil, 0, pageSizeDefault},
		{"explicit", ptr(40), ptr(10), 40, 10},
		{"negative offset", ptr(-5), ptr(10), 0, 10},
		{"zero limit", ptr(0), ptr(0), 0, pageSizeDefault},
		{"limit capped", nil, ptr(1000), 0, pageSizeMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, limit := GetPaginationParams(tt.offset, tt.limit)
			assert.Equal(t, tt.wantOffset, offset)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}
