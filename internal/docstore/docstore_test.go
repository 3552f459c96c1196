package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
}

func TestRetry_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), errBusy, func() error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustedWrapsConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), errBusy, func() error {
		calls++
		return errBusy
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, 4, calls)
}

func TestRetry_OtherErrorsAbort(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), errBusy, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	err := Retry(ctx, policy, errBusy, func() error {
		cancel()
		return errBusy
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_StaysWithinMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for i := 0; i < 20; i++ {
		d := p.Backoff(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestIndexes_Values(t *testing.T) {
	ix := Indexes{{Collection: "groups", Field: "experimentId"}}

	vals := ix.Values("groups", []byte(`{"experimentId":"exp1","users":["a"]}`))
	assert.Equal(t, map[string]string{"experimentId": "exp1"}, vals)

	assert.Empty(t, ix.Values("experiments", []byte(`{"experimentId":"exp1"}`)))
	assert.Empty(t, ix.Values("groups", []byte(`{"experimentId":7}`)))
	assert.Empty(t, ix.Values("groups", []byte(`not json`)))

	assert.True(t, ix.Has(Query{Collection: "groups", Field: "experimentId", Value: "x"}))
	assert.False(t, ix.Has(Query{Collection: "groups", Field: "name", Value: "x"}))
}
