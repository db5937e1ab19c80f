package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("HUDDLE_TEST_VAR", "set")
	assert.Equal(t, "set", GetEnv("HUDDLE_TEST_VAR", "fallback"))

	t.Setenv("HUDDLE_TEST_VAR", "")
	assert.Equal(t, "fallback", GetEnv("HUDDLE_TEST_VAR", "fallback"))

	assert.Equal(t, "fallback", GetEnv("HUDDLE_UNSET_VAR", "fallback"))
}
