package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitSessionID(t *testing.T) {
	tests := []struct {
		name         string
		id           string
		wantDevice   string
		wantSession  string
	}{
		{"well formed", "dev-1@abc-123", "dev-1", "abc-123"},
		{"no separator", "dev-1", "dev-1", ""},
		{"empty", "", "", ""},
		{"multiple separators keeps remainder", "dev-1@abc@def", "dev-1", "abc@def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, session := SplitSessionID(tt.id)
			assert.Equal(t, tt.wantDevice, device)
			assert.Equal(t, tt.wantSession, session)
		})
	}
}
