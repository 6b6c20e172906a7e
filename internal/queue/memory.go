package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// Memory is an in-memory queue with the same redelivery semantics as
// SQLQueue. Used by tests and one-shot reconcile runs.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	items       map[int64]*memItem
	maxAttempts int
}

type memItem struct {
	msg       models.SyncMessage
	attempt   int
	visibleAt time.Time
	dead      bool
}

// NewMemory creates an in-memory queue.
func NewMemory(maxAttempts int) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &Memory{items: make(map[int64]*memItem), maxAttempts: maxAttempts}
}

// Enqueue appends a message.
func (q *Memory) Enqueue(ctx context.Context, msg models.SyncMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.items[q.nextID] = &memItem{msg: msg, attempt: msg.Attempt, visibleAt: time.Now()}
	return nil
}

// Dequeue claims the oldest ready message, or returns nil.
func (q *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var bestID int64 = -1
	for id, it := range q.items {
		if it.dead || it.visibleAt.After(now) {
			continue
		}
		if bestID == -1 || id < bestID {
			bestID = id
		}
	}
	if bestID == -1 {
		return nil, nil
	}
	it := q.items[bestID]
	it.visibleAt = now.Add(2 * time.Minute)
	msg := it.msg
	msg.Attempt = it.attempt
	return &Delivery{Message: msg, Receipt: bestID}, nil
}

// Ack removes a delivered message.
func (q *Memory) Ack(ctx context.Context, receipt int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, receipt)
	return nil
}

// Nack schedules a redelivery, parking the message once attempts are
// exhausted.
func (q *Memory) Nack(ctx context.Context, receipt int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[receipt]
	if !ok {
		return nil
	}
	it.attempt++
	if it.attempt >= q.maxAttempts {
		it.dead = true
		return nil
	}
	delay := time.Second
	for i := 1; i < it.attempt; i++ {
		delay *= 2
	}
	it.visibleAt = time.Now().Add(delay)
	return nil
}

// Pending counts live messages.
func (q *Memory) Pending(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.dead {
			n++
		}
	}
	return n, nil
}

// Dead counts parked messages.
func (q *Memory) Dead(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.dead {
			n++
		}
	}
	return n, nil
}
