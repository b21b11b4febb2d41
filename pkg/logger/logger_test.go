package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := New(level)
		require.NoError(t, err, level)
		require.NotNil(t, log)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}
