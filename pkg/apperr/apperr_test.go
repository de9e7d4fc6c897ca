package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodedVariantsMatchSentinel(t *testing.T) {
	rej := ProviderRejected("10003", "invalid api key")
	assert.ErrorIs(t, rej, ErrProviderRejected)
	assert.Equal(t, "10003", rej.ProviderCode)
	assert.NotErrorIs(t, rej, ErrProviderRateLimited)

	wrapped := fmt.Errorf("validate: %w", ErrTokenExpired.WithDetail("exp %d", 1))
	assert.ErrorIs(t, wrapped, ErrTokenExpired)
	assert.True(t, IsClass(wrapped, ClassAuth))
}

func TestFromDefaultsToInternal(t *testing.T) {
	e := From(errors.New("boom"))
	require.NotNil(t, e)
	assert.Equal(t, ClassInternal, e.Class)
	assert.Contains(t, e.Error(), "boom")
	assert.Nil(t, From(nil))

	e = From(fmt.Errorf("x: %w", ErrUnknownTrade))
	assert.Equal(t, "UNKNOWN_TRADE", e.Code)
}
