package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBoolEnv(t *testing.T) {
	for raw, want := range map[string]bool{"yes": true, "ON": true, " 1 ": true, "off": false, "False": false} {
		t.Setenv("SP_BOOL", raw)
		assert.Equal(t, want, ParseBoolEnv("SP_BOOL", !want), "value %q", raw)
	}
	t.Setenv("SP_BOOL", "maybe")
	assert.True(t, ParseBoolEnv("SP_BOOL", true))
	t.Setenv("SP_BOOL", "")
	assert.False(t, ParseBoolEnv("SP_BOOL", false))
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("SP_DURATION", "45m")
	assert.Equal(t, 45*time.Minute, ParseDurationEnv("SP_DURATION", time.Minute))
	t.Setenv("SP_DURATION", "soon")
	assert.Equal(t, time.Minute, ParseDurationEnv("SP_DURATION", time.Minute))
	t.Setenv("SP_DURATION", "")
	assert.Zero(t, ParseDurationEnv("SP_DURATION", 0))
}
