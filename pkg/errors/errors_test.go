package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesStack(t *testing.T) {
	inner := New(KindDestinationUnavailable, "connection reset")
	outer := Wrap(inner, KindTransactionConflict, "chunk commit failed")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, stderrors.Is(outer, inner))
	assert.Nil(t, Wrap(nil, KindInternal, "nothing"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
	wrapped := fmt.Errorf("context: %w", New(KindTimeout, "slow"))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
}

func TestIsKindWalksChain(t *testing.T) {
	err := Wrap(New(KindMappingMissing, "gone"), KindConfig, "job spec")
	assert.True(t, IsKind(err, KindConfig))
	assert.True(t, IsKind(err, KindMappingMissing))
	assert.False(t, IsKind(err, KindTimeout))
}

func TestRetryableAndFatal(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		fatal     bool
	}{
		{KindDestinationUnavailable, true, true},
		{KindTransactionConflict, true, false},
		{KindTimeout, true, false},
		{KindCoercionFailed, false, false},
		{KindSourceUnavailable, false, true},
		{KindMappingMissing, false, true},
		{KindDuplicateKey, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "x")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := New(KindConstraintViolated, "range").WithDetail("field", "year_built").WithDetail("value", 1700)
	assert.Equal(t, "year_built", err.Details["field"])
	assert.Equal(t, 1700, err.Details["value"])
	assert.Equal(t, "ConstraintViolated: range", err.Error())
}
