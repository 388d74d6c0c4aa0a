package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthFromStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"Up 2 hours (healthy)", "healthy"},
		{"Up 5 seconds (health: starting)", "starting"},
		{"Up About a minute (unhealthy)", "unhealthy"},
		{"Up 2 hours", ""},
		{"Exited (137) 3 hours ago", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, healthFromStatus(tt.status))
		})
	}
}
