package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countyops/assessorsync/pkg/errors"
)

func TestExecuteWithCondition(t *testing.T) {
	p := NewPolicy(3, time.Millisecond, 5*time.Millisecond)

	t.Run("retries transient errors then succeeds", func(t *testing.T) {
		calls := 0
		err := p.ExecuteWithCondition(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New(errors.KindTransactionConflict, "deadlock")
			}
			return nil
		}, errors.IsRetryable)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("data errors are not retried", func(t *testing.T) {
		calls := 0
		err := p.ExecuteWithCondition(context.Background(), func() error {
			calls++
			return errors.New(errors.KindDuplicateKey, "dup")
		}, errors.IsRetryable)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.IsKind(err, errors.KindDuplicateKey))
	})

	t.Run("exhaustion returns the last error", func(t *testing.T) {
		var retried []int
		pp := *p
		pp.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
		err := pp.Execute(context.Background(), func() error {
			return errors.New(errors.KindDestinationUnavailable, "reset")
		})
		assert.Equal(t, errors.KindDestinationUnavailable, errors.KindOf(err))
		assert.Equal(t, []int{1, 2}, retried)
	})
}

func TestCancelledWhileWaiting(t *testing.T) {
	p := NewPolicy(5, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Execute(ctx, func() error { return errors.New(errors.KindTimeout, "slow") })
	assert.True(t, errors.IsKind(err, errors.KindCancelled))
}

func TestDelayCapped(t *testing.T) {
	p := NewPolicy(10, time.Second, time.Minute).WithRandomization(0)
	assert.Equal(t, time.Second, p.GetDelay(0))
	assert.Equal(t, 4*time.Second, p.GetDelay(2))
	assert.Equal(t, time.Minute, p.GetDelay(9))
}
