package token

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReusesSuccesses(t *testing.T) {
	userID := uuid.New()
	var calls atomic.Int32
	next := ValidatorFunc(func(ctx context.Context, token string) (uuid.UUID, error) {
		calls.Add(1)
		if token == "valid_tok" {
			return userID, nil
		}
		return uuid.Nil, ErrNotFound
	})

	c := NewCache(next, time.Minute)

	for i := 0; i < 5; i++ {
		got, err := c.Validate(context.Background(), "valid_tok")
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheNeverCachesFailures(t *testing.T) {
	var calls atomic.Int32
	next := ValidatorFunc(func(ctx context.Context, token string) (uuid.UUID, error) {
		calls.Add(1)
		return uuid.Nil, ErrNotFound
	})

	c := NewCache(next, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := c.Validate(context.Background(), "bogus")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheExpires(t *testing.T) {
	var calls atomic.Int32
	next := ValidatorFunc(func(ctx context.Context, token string) (uuid.UUID, error) {
		calls.Add(1)
		return uuid.New(), nil
	})

	c := NewCache(next, 20*time.Millisecond)

	_, err := c.Validate(context.Background(), "valid_tok")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = c.Validate(context.Background(), "valid_tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
