package events

import (
	"sync"
	"time"

	"github.com/lyzr/flowengine/common/logger"
)

const (
	// subscriberBuffer is the send-channel depth per subscriber
	subscriberBuffer = 256
	// maxMissedBeats closes a subscriber whose buffer stays full across
	// consecutive heartbeats
	maxMissedBeats = 3
)

// subscriber is one connection listening to an execution stream
type subscriber struct {
	id     string
	ch     chan Event
	missed int
	closed bool
}

func (s *subscriber) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// trySend delivers without blocking; a slow subscriber drops the event
func (s *subscriber) trySend(ev Event) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		s.missed = 0
		return true
	default:
		return false
	}
}

// stream is the per-execution event history plus its live subscribers
type stream struct {
	seq        uint64
	history    []Event
	subs       map[string]*subscriber
	terminal   bool
	terminalAt time.Time
}

// Hub fans execution events out to subscribers. Events carry a per-execution
// monotonic sequence number; a new subscriber replays history from its
// requested sequence before receiving live events.
type Hub struct {
	mu        sync.Mutex
	streams   map[string]*stream
	retention time.Duration
	beat      time.Duration
	sink      Publisher
	log       *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// HubOptions configures the hub
type HubOptions struct {
	// HeartbeatInterval is the idle heartbeat period; 0 means 30s
	HeartbeatInterval time.Duration
	// TerminalRetention keeps finished streams replayable; 0 means 1h
	TerminalRetention time.Duration
	// Sink receives a copy of every published event (e.g. a Redis stream)
	Sink   Publisher
	Logger *logger.Logger
}

// NewHub creates the hub and starts its heartbeat loop
func NewHub(opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.TerminalRetention <= 0 {
		opts.TerminalRetention = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	h := &Hub{
		streams:   make(map[string]*stream),
		retention: opts.TerminalRetention,
		beat:      opts.HeartbeatInterval,
		sink:      opts.Sink,
		log:       opts.Logger,
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the heartbeat loop and closes every subscriber channel
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.streams {
		for _, sub := range st.subs {
			sub.close()
		}
		st.subs = make(map[string]*subscriber)
	}
}

// Publish appends an event to the execution stream and fans it out. Terminal
// events close all subscriber channels after delivery.
func (h *Hub) Publish(executionID string, kind Kind, nodeID string, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stream(executionID)
	if st.terminal {
		// The stream is closed; late events are dropped
		return
	}

	st.seq++
	ev := Event{
		ExecutionID: executionID,
		Seq:         st.seq,
		Kind:        kind,
		Timestamp:   time.Now(),
		NodeID:      nodeID,
		Data:        data,
	}
	st.history = append(st.history, ev)

	for _, sub := range st.subs {
		sub.trySend(ev)
	}

	if h.sink != nil {
		h.sink.Publish(executionID, kind, nodeID, data)
	}

	if kind.IsTerminal() {
		st.terminal = true
		st.terminalAt = time.Now()
		for _, sub := range st.subs {
			sub.close()
		}
		st.subs = make(map[string]*subscriber)
	}
}

// Subscribe attaches a connection to an execution stream. History with
// Seq > fromSeq is replayed into the returned channel before live delivery;
// for finished executions the channel drains the replay and closes.
func (h *Hub) Subscribe(executionID, connectionID string, fromSeq uint64) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stream(executionID)

	replay := make([]Event, 0)
	for _, ev := range st.history {
		if ev.Seq > fromSeq {
			replay = append(replay, ev)
		}
	}

	ch := make(chan Event, len(replay)+subscriberBuffer)
	for _, ev := range replay {
		ch <- ev
	}

	if st.terminal {
		close(ch)
		return ch
	}

	if prev, ok := st.subs[connectionID]; ok {
		prev.close()
	}
	st.subs[connectionID] = &subscriber{id: connectionID, ch: ch}
	return ch
}

// Unsubscribe detaches a connection and closes its channel
func (h *Hub) Unsubscribe(executionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[executionID]
	if !ok {
		return
	}
	if sub, ok := st.subs[connectionID]; ok {
		sub.close()
		delete(st.subs, connectionID)
	}
}

// CurrentSeq returns the latest assigned sequence for an execution
func (h *Hub) CurrentSeq(executionID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[executionID]; ok {
		return st.seq
	}
	return 0
}

// SubscriberCount returns the number of live connections on a stream
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[executionID]; ok {
		return len(st.subs)
	}
	return 0
}

// stream returns the stream for an execution, creating it on first use.
// Caller holds h.mu.
func (h *Hub) stream(executionID string) *stream {
	st, ok := h.streams[executionID]
	if !ok {
		st = &stream{subs: make(map[string]*subscriber)}
		h.streams[executionID] = st
	}
	return st
}

// run emits idle heartbeats and collects finished streams past retention
func (h *Hub) run() {
	ticker := time.NewTicker(h.beat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) tick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for executionID, st := range h.streams {
		if st.terminal {
			if now.Sub(st.terminalAt) > h.retention {
				delete(h.streams, executionID)
			}
			continue
		}

		st.seq++
		beat := Event{
			ExecutionID: executionID,
			Seq:         st.seq,
			Kind:        Heartbeat,
			Timestamp:   now,
		}
		st.history = append(st.history, beat)

		for connectionID, sub := range st.subs {
			if !sub.trySend(beat) {
				sub.missed++
				if sub.missed >= maxMissedBeats {
					h.log.Warn("dropping slow subscriber",
						"execution_id", executionID,
						"connection_id", connectionID)
					sub.close()
					delete(st.subs, connectionID)
				}
			}
		}
	}
}
