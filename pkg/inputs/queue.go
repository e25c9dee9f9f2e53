// Package inputs correlates out-of-band "ask the human" requests from
// user-proxy agents with answers arriving from an observer connection.
package inputs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// ErrCancelled is delivered to waiters when their request is cancelled by
// an interrupt or an observer disconnect.
var ErrCancelled = fmt.Errorf("input request cancelled")

// pending is one outstanding human-input request.
type pending struct {
	ch      chan string
	ownerID string // observer connection that should answer; "" = any
}

// Queue is the correlation table request_id → promise. Request and Provide
// are O(1); the table is guarded by a mutex.
type Queue struct {
	mu      sync.Mutex
	waiting map[string]*pending
	notify  func(models.Event) // emits UserInputRequested to observers
}

// NewQueue creates a queue. notify is called (outside the queue lock) with
// a UserInputRequested event for every new request; it must not block.
func NewQueue(notify func(models.Event)) *Queue {
	return &Queue{
		waiting: make(map[string]*pending),
		notify:  notify,
	}
}

// Request emits a UserInputRequested event and blocks until a matching
// Provide arrives or ctx is cancelled. ownerID ties the request to a
// specific observer connection so a disconnect can cancel only its own
// requests; pass "" when any observer may answer.
func (q *Queue) Request(ctx context.Context, prompt, agentName, ownerID string) (string, error) {
	requestID := uuid.New().String()
	p := &pending{ch: make(chan string, 1), ownerID: ownerID}

	q.mu.Lock()
	q.waiting[requestID] = p
	q.mu.Unlock()

	q.notify(&models.UserInputRequested{
		Source:    agentName,
		RequestID: requestID,
		Prompt:    prompt,
	})

	select {
	case answer, ok := <-p.ch:
		if !ok {
			return "", ErrCancelled
		}
		return answer, nil
	case <-ctx.Done():
		q.remove(requestID)
		return "", ctx.Err()
	}
}

// Provide fulfils a pending request. Returns false when the request id is
// unknown (already answered, cancelled, or never issued) — safe to call
// twice with the same id.
func (q *Queue) Provide(requestID, content string) bool {
	q.mu.Lock()
	p, ok := q.waiting[requestID]
	if ok {
		delete(q.waiting, requestID)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- content
	return true
}

// CancelAll rejects every outstanding request. Used on interrupt.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	pendings := make([]*pending, 0, len(q.waiting))
	for id, p := range q.waiting {
		pendings = append(pendings, p)
		delete(q.waiting, id)
	}
	q.mu.Unlock()
	for _, p := range pendings {
		close(p.ch)
	}
}

// CancelOwned rejects outstanding requests owned by the given observer.
// Used when an observer disconnects; requests owned by other observers
// (or unowned ones) keep waiting.
func (q *Queue) CancelOwned(ownerID string) {
	q.mu.Lock()
	var pendings []*pending
	for id, p := range q.waiting {
		if p.ownerID == ownerID {
			pendings = append(pendings, p)
			delete(q.waiting, id)
		}
	}
	q.mu.Unlock()
	for _, p := range pendings {
		close(p.ch)
	}
}

// Pending returns the number of outstanding requests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *Queue) remove(requestID string) {
	q.mu.Lock()
	delete(q.waiting, requestID)
	q.mu.Unlock()
}
