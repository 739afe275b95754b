package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	// Long heartbeat keeps the background loop out of assertions
	return NewHub(HubOptions{HeartbeatInterval: time.Hour})
}

func collect(ch <-chan Event, n int) []Event {
	out := make([]Event, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
	return out
}

func TestHub_SequenceIsMonotonic(t *testing.T) {
	h := testHub()
	defer h.Close()

	ch := h.Subscribe("exec-1", "conn-1", 0)

	h.Publish("exec-1", ExecutionStarted, "", nil)
	h.Publish("exec-1", NodeStarted, "a", nil)
	h.Publish("exec-1", NodeCompleted, "a", map[string]any{"result": 1})

	got := collect(ch, 3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, ExecutionStarted, got[0].Kind)
	assert.Equal(t, "a", got[1].NodeID)
}

// A late subscriber replays history from its requested sequence.
func TestHub_ReplayFromSeq(t *testing.T) {
	h := testHub()
	defer h.Close()

	h.Publish("exec-1", ExecutionStarted, "", nil)
	h.Publish("exec-1", NodeStarted, "a", nil)
	h.Publish("exec-1", NodeCompleted, "a", nil)

	ch := h.Subscribe("exec-1", "late", 1)
	got := collect(ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)

	// Live events continue after the replay
	h.Publish("exec-1", Log, "", map[string]any{"message": "hi"})
	live := collect(ch, 1)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(4), live[0].Seq)
}

// Terminal events close subscriber channels; subscribing afterwards drains
// the retained history and closes immediately.
func TestHub_TerminalClosesStream(t *testing.T) {
	h := testHub()
	defer h.Close()

	ch := h.Subscribe("exec-1", "conn-1", 0)
	h.Publish("exec-1", ExecutionStarted, "", nil)
	h.Publish("exec-1", ExecutionCompleted, "", nil)

	got := collect(ch, 3)
	assert.Len(t, got, 2)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after terminal event")

	// Events after terminal are dropped
	h.Publish("exec-1", Log, "", nil)
	assert.Equal(t, uint64(2), h.CurrentSeq("exec-1"))

	replay := h.Subscribe("exec-1", "conn-2", 0)
	late := collect(replay, 3)
	assert.Len(t, late, 2)
	_, open = <-replay
	assert.False(t, open)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := testHub()
	defer h.Close()

	ch := h.Subscribe("exec-1", "conn-1", 0)
	h.Unsubscribe("exec-1", "conn-1")

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount("exec-1"))
}

func TestHub_IndependentStreams(t *testing.T) {
	h := testHub()
	defer h.Close()

	h.Publish("exec-1", ExecutionStarted, "", nil)
	h.Publish("exec-2", ExecutionStarted, "", nil)
	h.Publish("exec-2", NodeStarted, "a", nil)

	assert.Equal(t, uint64(1), h.CurrentSeq("exec-1"))
	assert.Equal(t, uint64(2), h.CurrentSeq("exec-2"))
}

type captureSink struct {
	kinds []Kind
}

func (c *captureSink) Publish(executionID string, kind Kind, nodeID string, data map[string]any) {
	c.kinds = append(c.kinds, kind)
}

func TestHub_SinkReceivesCopies(t *testing.T) {
	sink := &captureSink{}
	h := NewHub(HubOptions{HeartbeatInterval: time.Hour, Sink: sink})
	defer h.Close()

	h.Publish("exec-1", ExecutionStarted, "", nil)
	h.Publish("exec-1", ExecutionCompleted, "", nil)

	assert.Equal(t, []Kind{ExecutionStarted, ExecutionCompleted}, sink.kinds)
}

func TestKind_IsTerminal(t *testing.T) {
	assert.True(t, ExecutionCompleted.IsTerminal())
	assert.True(t, ExecutionFailed.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
	assert.False(t, NodeCompleted.IsTerminal())
	assert.False(t, Heartbeat.IsTerminal())
}
