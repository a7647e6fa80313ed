package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWrite(t *testing.T) {
	t.Run("transient failures succeed within the attempt budget", func(t *testing.T) {
		calls := 0
		err := RetryWrite(context.Background(), 3, 0, func() error {
			calls++
			if calls < 3 {
				return errors.New("deadlock found when trying to get lock")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("persistent failure returns the last error", func(t *testing.T) {
		calls := 0
		err := RetryWrite(context.Background(), 3, 0, func() error {
			calls++
			return errors.New("server has gone away")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server has gone away")
		assert.Equal(t, 3, calls)
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := RetryWrite(ctx, 3, 0, func() error {
			calls++
			return errors.New("write failed")
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})
}
