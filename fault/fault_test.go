package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfAndRetryable(t *testing.T) {
	err := New(KindTransport, "connection reset")
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, IsRetryable(err))

	err = Validation("bad config")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, IsRetryable(err))

	// Unclassified errors are Internal and treated as transient
	plain := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.True(t, IsRetryable(plain))
}

func TestWrapPreservesKindThroughChains(t *testing.T) {
	inner := New(KindExprTimeout, "budget exceeded")
	outer := fmt.Errorf("while evaluating: %w", inner)
	assert.Equal(t, KindExprTimeout, KindOf(outer))
}

// The first node tag wins so nested failures keep their origin.
func TestWithNodeFirstTagWins(t *testing.T) {
	err := New(KindAdapter, "failed").WithNode("inner")
	again := err.WithNode("outer")
	assert.Equal(t, "inner", again.NodeID)
}

func TestPublicHidesCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user admin")
	err := Wrap(KindTransport, cause, "query failed")

	kind, msg, _ := Public(err)
	assert.Equal(t, KindTransport, kind)
	assert.Equal(t, "query failed", msg)
	assert.NotContains(t, msg, "password")

	// The cause stays reachable for logs
	assert.True(t, errors.Is(err, cause))
}

func TestAdapterRetryability(t *testing.T) {
	assert.True(t, IsRetryable(Adapter(true, "transient")))
	assert.False(t, IsRetryable(Adapter(false, "permanent")))
}

func TestCancelledCarriesReason(t *testing.T) {
	err := Cancelled(ReasonExecutionTimeout)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Contains(t, err.Error(), string(ReasonExecutionTimeout))
	assert.False(t, IsRetryable(err))
}
