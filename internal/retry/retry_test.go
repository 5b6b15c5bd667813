package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(tries uint) Policy {
	return Policy{
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestPolicy_DoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := fastPolicy(4).Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_DoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("still failing")
	attempts := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		attempts++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, attempts, "retries must be bounded")
}

func TestPolicy_DoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("fatal")
	attempts := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		attempts++
		return Permanent(wantErr)
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")
}

func TestDoValue_ReturnsValue(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := DoValue(context.Background(), fastPolicy(4), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "cursor-token", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cursor-token", got)
}

func TestPolicy_DoHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(10).Do(ctx, func() error {
		return errors.New("transient")
	})
	assert.Error(t, err)
}
