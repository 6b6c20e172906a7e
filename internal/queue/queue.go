package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/models"
)

// Delivery is one dequeued message plus the receipt the consumer must ack
// or nack.
type Delivery struct {
	Message models.SyncMessage
	Receipt int64
}

// SQLQueue is a durable queue stored in the sync_queue table, sharing the
// state store's database. Redelivery uses a visibility timeout; nacked
// messages come back after exponential backoff, and messages that exhaust
// their attempts are parked as dead.
type SQLQueue struct {
	db          *sql.DB
	namespace   string
	postgres    bool
	visibility  time.Duration
	baseDelay   time.Duration
	maxAttempts int
}

// Options configures a SQLQueue.
type Options struct {
	Visibility  time.Duration
	BaseDelay   time.Duration
	MaxAttempts int
}

// NewSQL creates a queue on an already-initialized database.
func NewSQL(db *sql.DB, namespace string, postgres bool, opts Options) *SQLQueue {
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &SQLQueue{
		db:          db,
		namespace:   namespace,
		postgres:    postgres,
		visibility:  visibility,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
	}
}

func (q *SQLQueue) rebind(query string) string {
	if !q.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tsFormat is fixed-width so lexicographic comparison in SQL matches
// chronological order (RFC3339Nano trims zeros and would not).
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsFormat) }

// Enqueue appends a message. A missing message id is assigned.
func (q *SQLQueue) Enqueue(ctx context.Context, msg models.SyncMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO sync_queue (namespace, message_id, task_id, message, attempt, visible_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		q.namespace, msg.ID, msg.TaskID, string(payload), msg.Attempt, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.TaskID, err)
	}
	return nil
}

// Dequeue claims the oldest ready message, hiding it for the visibility
// window. Returns nil when the queue is empty.
func (q *SQLQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var (
		id      int64
		payload string
		attempt int
	)
	err = tx.QueryRowContext(ctx, q.rebind(`
		SELECT id, message, attempt FROM sync_queue
		WHERE namespace = ? AND acked = 0 AND dead = 0 AND visible_at <= ?
		ORDER BY id LIMIT 1`),
		q.namespace, ts(now)).Scan(&id, &payload, &attempt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}

	_, err = tx.ExecContext(ctx, q.rebind(`
		UPDATE sync_queue SET visible_at = ? WHERE id = ?`),
		ts(now.Add(q.visibility)), id)
	if err != nil {
		return nil, fmt.Errorf("hide message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	var msg models.SyncMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("decode message %d: %w", id, err)
	}
	msg.Attempt = attempt
	return &Delivery{Message: msg, Receipt: id}, nil
}

// Ack removes a delivered message.
func (q *SQLQueue) Ack(ctx context.Context, receipt int64) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE sync_queue SET acked = 1 WHERE id = ?`), receipt)
	if err != nil {
		return fmt.Errorf("ack %d: %w", receipt, err)
	}
	return nil
}

// Nack schedules a redelivery with exponential backoff. Once the message
// has exhausted its attempts it is parked as dead instead.
func (q *SQLQueue) Nack(ctx context.Context, receipt int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var attempt int
	err = tx.QueryRowContext(ctx, q.rebind(`
		SELECT attempt FROM sync_queue WHERE id = ?`), receipt).Scan(&attempt)
	if err != nil {
		return fmt.Errorf("nack lookup %d: %w", receipt, err)
	}

	attempt++
	if attempt >= q.maxAttempts {
		_, err = tx.ExecContext(ctx, q.rebind(`
			UPDATE sync_queue SET attempt = ?, dead = 1 WHERE id = ?`), attempt, receipt)
	} else {
		delay := q.baseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		_, err = tx.ExecContext(ctx, q.rebind(`
			UPDATE sync_queue SET attempt = ?, visible_at = ? WHERE id = ?`),
			attempt, ts(time.Now().Add(delay)), receipt)
	}
	if err != nil {
		return fmt.Errorf("nack %d: %w", receipt, err)
	}
	return tx.Commit()
}

// Pending counts messages waiting or in flight. The reconciler uses this
// for backpressure.
func (q *SQLQueue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.rebind(`
		SELECT COUNT(*) FROM sync_queue WHERE namespace = ? AND acked = 0 AND dead = 0`),
		q.namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Dead counts messages parked after exhausting their attempts.
func (q *SQLQueue) Dead(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.rebind(`
		SELECT COUNT(*) FROM sync_queue WHERE namespace = ? AND dead = 1`),
		q.namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dead count: %w", err)
	}
	return n, nil
}
