package stream

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pabawi/pabawi/execution"
)

const (
	// SubscriberBufferSize is the buffer size for subscriber event channels.
	// A subscriber whose buffer is full has events dropped rather than
	// stalling the emitter; drops are logged.
	SubscriberBufferSize = 256

	// ReplayBufferSize bounds the per-execution ring buffer of recent
	// events used for reconnect catch-up
	ReplayBufferSize = 512
)

// Subscription is a live attachment to one execution's event stream.
// Events() yields events in sequence order until the execution reaches a
// terminal event or the subscription is detached.
type Subscription struct {
	id          int
	executionID string
	events      chan Event
	closeOnce   sync.Once
}

// Events returns the subscriber's event channel. The channel is closed
// after the terminal event is delivered or on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// ExecutionID returns the execution this subscription is attached to.
func (s *Subscription) ExecutionID() string {
	return s.executionID
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// executionStream is the per-execution fan-out state.
type executionStream struct {
	seq      uint64
	recent   []Event // bounded ring of recent events for catch-up
	subs     map[int]*Subscription
	terminal bool
}

// Manager fans out execution progress events to zero or more subscribers
// per execution. It implements execution.EventSink so runners and the
// queue can emit without knowing about transports or subscribers.
type Manager struct {
	mu        sync.RWMutex
	streams   map[string]*executionStream
	nextSubID int
	logger    *zap.SugaredLogger
}

// NewManager creates a streaming manager.
func NewManager(logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		streams: make(map[string]*executionStream),
		logger:  logger.Named("stream"),
	}
}

var _ execution.EventSink = (*Manager)(nil)

// Subscribe attaches a subscriber to an execution's event stream. Buffered
// recent events are delivered first so a subscriber that (re)connects
// mid-stream catches up, then live events follow in order. Multiple
// subscribers per execution are supported; each receives the same ordered
// sequence from its attach point.
func (m *Manager) Subscribe(executionID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streamLocked(executionID)

	m.nextSubID++
	sub := &Subscription{
		id:          m.nextSubID,
		executionID: executionID,
		events:      make(chan Event, SubscriberBufferSize),
	}

	// Catch-up happens under the manager lock, so no live emit can
	// interleave with the replayed events. Replay at most the newest
	// SubscriberBufferSize events so the sends always fit the fresh buffer;
	// on a very long stream the oldest events are dropped, never the newest.
	recent := st.recent
	if len(recent) > SubscriberBufferSize {
		recent = recent[len(recent)-SubscriberBufferSize:]
	}
	for _, ev := range recent {
		sub.events <- ev
	}

	if st.terminal {
		// Stream already ended: deliver the buffered events and close.
		sub.close()
		return sub
	}

	st.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches a subscriber. Idempotent; does not affect other
// subscribers of the same execution.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	if st, ok := m.streams[sub.executionID]; ok {
		delete(st.subs, sub.id)
	}
	m.mu.Unlock()

	sub.close()
}

// SubscriberCount returns the number of live subscribers for an execution.
func (m *Manager) SubscriberCount(executionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.streams[executionID]; ok {
		return len(st.subs)
	}
	return 0
}

// Release drops all retained state for an execution: the replay buffer and
// any remaining subscribers. Used by callers that archive finished streams.
func (m *Manager) Release(executionID string) {
	m.mu.Lock()
	st, ok := m.streams[executionID]
	if ok {
		delete(m.streams, executionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, sub := range st.subs {
		sub.close()
	}
}

// EmitStart records the start of an execution's stream.
func (m *Manager) EmitStart(executionID string) {
	m.emit(executionID, EventStart, nil)
}

// EmitCommand records the rendered command about to run.
func (m *Manager) EmitCommand(executionID string, renderedCommand string) {
	m.emit(executionID, EventCommand, commandPayload{Command: renderedCommand})
}

// EmitStdout records a chunk of standard output.
func (m *Manager) EmitStdout(executionID string, chunk []byte) {
	m.emit(executionID, EventStdout, chunkPayload{Chunk: string(chunk)})
}

// EmitStderr records a chunk of standard error.
func (m *Manager) EmitStderr(executionID string, chunk []byte) {
	m.emit(executionID, EventStderr, chunkPayload{Chunk: string(chunk)})
}

// EmitStatus records an execution status transition.
func (m *Manager) EmitStatus(executionID string, status execution.Status) {
	m.emit(executionID, EventStatus, statusPayload{Status: string(status)})
}

// EmitComplete records the terminal completion event and ends the stream.
func (m *Manager) EmitComplete(executionID string, result *execution.Result) {
	m.emit(executionID, EventComplete, result)
}

// EmitError records the terminal error event and ends the stream.
func (m *Manager) EmitError(executionID string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	m.emit(executionID, EventError, errorPayload{Error: msg})
}

// streamLocked returns the stream state for an execution, creating it if
// needed. REQUIRES: m.mu held.
func (m *Manager) streamLocked(executionID string) *executionStream {
	st, ok := m.streams[executionID]
	if !ok {
		st = &executionStream{subs: make(map[int]*Subscription)}
		m.streams[executionID] = st
	}
	return st
}

// emit appends an event with the next sequence number and pushes it to all
// attached subscribers. The sequence advances even with no subscribers
// attached. Terminal events close every subscriber channel.
func (m *Manager) emit(executionID string, eventType EventType, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			m.logger.Errorw("Failed to encode stream event payload",
				"execution_id", executionID,
				"type", eventType,
				"error", err,
			)
			return
		}
		raw = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streamLocked(executionID)
	if st.terminal {
		// Terminal complete/error is emitted exactly once; anything after
		// is a contract violation by the emitter.
		m.logger.Warnw("Event emitted after terminal event, dropped",
			"execution_id", executionID,
			"type", eventType,
		)
		return
	}

	ev := Event{
		ExecutionID: executionID,
		Sequence:    st.seq,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now(),
	}
	st.seq++

	st.recent = append(st.recent, ev)
	if len(st.recent) > ReplayBufferSize {
		st.recent = st.recent[len(st.recent)-ReplayBufferSize:]
	}

	for _, sub := range st.subs {
		select {
		case sub.events <- ev:
		default:
			// Slow subscriber: drop the event rather than stalling the
			// execution. Isolated to this subscriber.
			m.logger.Warnw("Subscriber buffer full, event dropped",
				"execution_id", executionID,
				"sequence", ev.Sequence,
				"type", eventType,
			)
		}
	}

	if eventType.Terminal() {
		st.terminal = true
		for _, sub := range st.subs {
			sub.close()
		}
		st.subs = make(map[int]*Subscription)
	}
}
