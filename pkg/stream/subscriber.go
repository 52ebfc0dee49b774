package stream

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/sttts/kmirror/internal/telemetry"
	"github.com/sttts/kmirror/pkg/api"
)

// MessageType tags messages on the subscriber channel.
type MessageType string

const (
	// MessageInitial carries the full snapshot sent once after subscribe.
	MessageInitial MessageType = "INITIAL"
	// MessageAdded, MessageModified, MessageDeleted carry incremental object
	// changes.
	MessageAdded    MessageType = "ADDED"
	MessageModified MessageType = "MODIFIED"
	MessageDeleted  MessageType = "DELETED"
	// MessageResync tells the consumer its incremental view may have gaps
	// and a fresh snapshot fetch is required.
	MessageResync MessageType = "RESYNC"
	// MessageHeartbeat is sent on a fixed interval while the stream is idle.
	MessageHeartbeat MessageType = "HEARTBEAT"
	// MessageLog carries one log line for log subscriptions.
	MessageLog MessageType = "LOG"
)

// Message is one unit of stream delivery. Exactly one of Snapshot, Object,
// and Line is set, depending on Type.
type Message struct {
	Key      api.Key
	Type     MessageType
	Snapshot *api.Snapshot
	Object   *unstructured.Unstructured
	Line     string
	SentAt   time.Time
}

// State is the subscriber lifecycle: connecting until the initial snapshot
// is queued, active while delivering, draining once disconnect has begun.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateDraining     State = "draining"
	StateDisconnected State = "disconnected"
)

// Subscriber is one consumer of a (cluster, domain, scope) stream. Messages
// are delivered through a bounded channel; when it fills, the oldest queued
// message is dropped and the consumer is told to resync.
type Subscriber struct {
	ID          string
	Key         api.Key
	ConnectedAt time.Time

	ch     chan Message
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	dropped         int
	pendingResync   bool
	lastAcceptedAt  time.Time
	lastDeliveredAt time.Time

	// backlog holds messages arriving while the initial snapshot is still
	// being built; they are flushed after it so INITIAL is always first.
	backlog []Message
}

// Messages is the consumer-facing channel. It is closed on disconnect.
func (s *Subscriber) Messages() <-chan Message {
	return s.ch
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns how many messages were discarded due to a full buffer.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LastDeliveredAt returns when a message was last queued for this consumer.
func (s *Subscriber) LastDeliveredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeliveredAt
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// enqueue delivers a message with drop-oldest backpressure. A drop marks the
// subscriber for resync; the marker is queued ahead of the next message so
// the consumer learns about the gap in order. The lock is held across the
// sends, which are all non-blocking, so no send can race channel close on
// disconnect.
func (s *Subscriber) enqueue(msg Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining || s.state == StateDisconnected {
		return
	}
	if s.state == StateConnecting {
		msg.SentAt = now
		if len(s.backlog) >= cap(s.ch) {
			s.backlog = s.backlog[1:]
			s.dropped++
			s.pendingResync = true
			telemetry.StreamDroppedTotal.WithLabelValues(string(s.Key.Cluster)).Inc()
		}
		s.backlog = append(s.backlog, msg)
		return
	}
	if s.pendingResync && msg.Type != MessageResync {
		s.pendingResync = false
		s.pushLocked(Message{Key: s.Key, Type: MessageResync, SentAt: now}, now)
	}
	msg.SentAt = now
	s.pushLocked(msg, now)
}

// activate queues the initial snapshot, flushes everything held back while
// it was built, in arrival order, and starts live delivery. A no-op when the
// subscriber was disconnected during the build.
func (s *Subscriber) activate(initial Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	initial.SentAt = now
	s.pushLocked(initial, now)
	for _, msg := range s.backlog {
		if s.pendingResync && msg.Type != MessageResync {
			s.pendingResync = false
			s.pushLocked(Message{Key: s.Key, Type: MessageResync, SentAt: now}, now)
		}
		s.pushLocked(msg, now)
	}
	s.backlog = nil
	s.state = StateActive
}

// pushLocked sends with the drop-oldest policy: a full buffer loses its
// head, not the new message. Caller holds s.mu.
func (s *Subscriber) pushLocked(msg Message, now time.Time) {
	droppedAny := false
	for {
		select {
		case s.ch <- msg:
			s.lastDeliveredAt = now
			if !droppedAny {
				// Only a send into a non-full buffer counts as consumer
				// progress for stall detection.
				s.lastAcceptedAt = now
			}
			return
		default:
		}
		select {
		case <-s.ch:
			droppedAny = true
			s.dropped++
			s.pendingResync = true
			telemetry.StreamDroppedTotal.WithLabelValues(string(s.Key.Cluster)).Inc()
		default:
			// Consumer raced us and drained the buffer; retry the send.
		}
	}
}

// stalled reports whether the consumer has not accepted anything for longer
// than timeout while deliveries kept dropping.
func (s *Subscriber) stalled(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || !s.pendingResync {
		return false
	}
	return now.Sub(s.lastAcceptedAt) > timeout
}
