package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultQueueCapacity bounds each observer's outbound queue.
const DefaultQueueCapacity = 256

// queuedFrame is a pre-marshalled frame awaiting delivery.
type queuedFrame struct {
	frameType FrameType
	data      []byte
}

// Queue is a bounded outbound frame queue for one observer connection.
// Push never blocks: on overflow the oldest agent_stream frame is dropped
// first; only when no stream frames remain is the oldest frame of any
// kind dropped. Critical frames (tree updates, terminations) therefore
// survive as long as anything droppable is left.
type Queue struct {
	mu       sync.Mutex
	frames   []queuedFrame
	capacity int
	closed   bool

	// notify wakes the write loop; buffered so Push never blocks on it.
	notify chan struct{}
}

// NewQueue creates a queue. capacity <= 0 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push marshals and enqueues a frame. Returns false when the queue is
// closed. Marshal failures are logged and dropped — a frame that cannot
// be serialised must not take down the fan-out.
func (q *Queue) Push(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal outbound frame", "error", err)
		return true
	}
	frameType := frameTypeOf(frame)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) >= q.capacity {
		q.evictLocked()
	}
	q.frames = append(q.frames, queuedFrame{frameType: frameType, data: data})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// evictLocked makes room for one frame. Caller holds q.mu.
func (q *Queue) evictLocked() {
	for i, f := range q.frames {
		if f.frameType == FrameAgentStream {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return
		}
	}
	slog.Warn("Observer queue overflow, dropping oldest frame",
		"frame_type", q.frames[0].frameType)
	q.frames = q.frames[1:]
}

// Pop returns the next frame, blocking until one is available, the queue
// closes, or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame.data, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("queue closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close wakes any blocked Pop and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// frameTypeOf extracts the header type without re-parsing JSON.
func frameTypeOf(frame any) FrameType {
	type headed interface{ frameType() FrameType }
	if h, ok := frame.(headed); ok {
		return h.frameType()
	}
	return ""
}

func (h Header) frameType() FrameType { return h.Type }
