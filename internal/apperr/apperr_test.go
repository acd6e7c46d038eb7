package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eargollo/piiscan/internal/apperr"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("extract %q: %w", "/data/a.pdf", apperr.Transient("extract", base))

	assert.True(t, apperr.IsTransient(err))
	assert.False(t, apperr.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(errors.New("x")))
	assert.Equal(t, apperr.KindUnknown, apperr.KindOf(nil))
}

func TestConfigMessage(t *testing.T) {
	err := apperr.Config("config", "workers must be >= 1, got %d", 0)
	assert.True(t, apperr.IsConfig(err))
	assert.Equal(t, "config (config): workers must be >= 1, got 0", err.Error())
}
