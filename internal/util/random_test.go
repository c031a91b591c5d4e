package util

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	lowerHex = regexp.MustCompile(`^[0-9a-f]*$`)
	upperHex = regexp.MustCompile(`^[0-9A-F]{8}$`)
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		prefix    string
		hexLength int
	}{
		{"job_", 32},
		{"lead_", 16},
		{"inv_", 12},
		{"", 4},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			assert.True(t, strings.HasPrefix(got, tt.prefix))
			assert.Len(t, got, len(tt.prefix)+tt.hexLength)
			assert.Regexp(t, lowerHex, got[len(tt.prefix):])
		})
	}
}

func TestGenerateRandomHexLengths(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 8, 64} {
		got := GenerateRandomHex(n)
		assert.Len(t, got, max(n, 0))
		assert.Regexp(t, lowerHex, got)
	}
}

func TestGeneratePublicID(t *testing.T) {
	got := GeneratePublicID()
	assert.True(t, strings.HasPrefix(got, PublicIDPrefix))
	assert.Regexp(t, upperHex, strings.TrimPrefix(got, PublicIDPrefix))
}

func TestGenerateEventID(t *testing.T) {
	a, b := GenerateEventID(), GenerateEventID()
	assert.True(t, strings.HasPrefix(a, "evt_"))
	assert.NotEqual(t, a, b)
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := GenerateRandomID("test_", 16)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
