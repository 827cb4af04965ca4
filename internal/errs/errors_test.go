package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, InvalidPair, CodeOf(New(InvalidPair, "bad pair")))
	assert.Equal(t, InternalError, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("context: %w", New(DatabaseError, "insert failed"))
	assert.Equal(t, DatabaseError, CodeOf(wrapped))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(RedisError, "xadd failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "REDIS_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestClassPredicates(t *testing.T) {
	assert.True(t, IsValidation(New(InvalidParams, "x")))
	assert.True(t, IsValidation(New(InvalidDateFormat, "x")))
	assert.False(t, IsValidation(New(DatabaseError, "x")))

	assert.True(t, IsTransient(New(DatabaseError, "x")))
	assert.True(t, IsTransient(New(ServiceUnavailable, "x")))
	assert.False(t, IsTransient(New(InvalidPair, "x")))
}

func TestWithDetails(t *testing.T) {
	base := New(InvalidParams, "limit out of range")
	detailed := base.WithDetails(map[string]interface{}{"limit": 5000})

	assert.Nil(t, base.Details)
	assert.Equal(t, 5000, detailed.Details["limit"])
	assert.Equal(t, base.Code, detailed.Code)
}
