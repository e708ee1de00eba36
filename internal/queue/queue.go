// Package queue implements the durable offline mutation queue.
//
// While the device is offline (or a sync cycle is already in flight),
// local create/update/delete mutations are recorded as tasks and replayed
// against the remote store when connectivity and policy allow. Tasks are
// persisted in the local database so offline periods can span process
// restarts.
//
// Ordering: dequeue is priority-major (a low-priority task is never
// returned ahead of any pending higher-priority task, even if older) and
// strict FIFO by creation time within a priority tier.
//
// Supersession: enqueuing a mutation for an entity that already has a
// pending task replaces that task. The operation type is preserved
// defensively: an update superseding a not-yet-sent create remains a
// create carrying the newest payload, because the remote has never heard
// of the entity and an update would target a nonexistent record.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/trailbook/trailbook/internal/entity"
)

// Operation is the kind of remote mutation a task represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority orders tasks across tiers; lower value dequeues first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one pending offline mutation.
type Task struct {
	ID         string
	EntityType entity.Type
	EntityID   string // local id of the affected entity
	Operation  Operation
	Priority   Priority
	Payload    entity.Snapshot // full attribute snapshot at enqueue time
	CreatedAt  time.Time
	RetryCount int
	Status     Status
}

// Config holds queue tuning.
type Config struct {
	// MaxRetries is how many transient failures a task survives before it
	// transitions to failed and is excluded from automatic dequeue.
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 5}
}

// Queue is the durable offline mutation queue, backed by the local store's
// queue_tasks table.
type Queue struct {
	db     *sql.DB
	config Config
	logger *log.Logger
}

// New creates a Queue over the given database connection. The schema must
// already be initialized (store.InitSchema). If logger is nil, a default
// logger writing to stderr is used.
func New(db *sql.DB, config Config, logger *log.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, config: config, logger: logger}, nil
}

// Enqueue records a mutation for later replay and reports whether a task
// is now pending for the entity.
//
// If the entity already has a pending task, the older intent is discarded
// rather than merged, with two defensive exceptions around the
// create/update distinction:
//
//   - pending create superseded by an update stays a create (newest payload)
//   - pending create superseded by a delete removes the task entirely; the
//     entity never reached the remote, so there is nothing to delete there
//   - pending update superseded by a delete becomes a delete
func (q *Queue) Enqueue(ctx context.Context, t entity.Type, entityID string, op Operation, payload entity.Snapshot, priority Priority) (bool, error) {
	if !t.IsValid() {
		return false, fmt.Errorf("unknown entity type: %s", t)
	}
	if entityID == "" {
		return false, fmt.Errorf("entity id is required")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Look for a pending task for the same entity.
	var prevID string
	var prevOp string
	err = tx.QueryRowContext(ctx, `
		SELECT id, operation FROM queue_tasks
		WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		string(t), entityID, string(StatusPending)).Scan(&prevID, &prevOp)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check pending task: %w", err)
	}

	effectiveOp := op
	if prevID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ?`, prevID); err != nil {
			return false, fmt.Errorf("failed to supersede task %s: %w", prevID, err)
		}

		switch {
		case Operation(prevOp) == OpCreate && op == OpDelete:
			// Created and deleted entirely offline; nothing to replay.
			if err := tx.Commit(); err != nil {
				return false, fmt.Errorf("failed to commit supersession: %w", err)
			}
			q.logger.Printf("Dropped offline create+delete for %s %s", t, entityID)
			return false, nil
		case Operation(prevOp) == OpCreate && op == OpUpdate:
			effectiveOp = OpCreate
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_tasks
			(id, entity_type, entity_id, operation, priority, payload, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, string(t), entityID, string(effectiveOp), int(priority),
		string(payloadJSON), time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	q.logger.Printf("Enqueued %s for %s %s (priority=%d)", effectiveOp, t, entityID, priority)
	return true, nil
}

// Dequeue returns the highest-priority, then oldest, pending task and
// marks it in-flight. Returns (nil, nil) when no pending task exists.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, operation, priority, payload,
		       created_at, retry_count, status
		FROM queue_tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`,
		string(StatusPending))

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ? WHERE id = ?`,
		string(StatusInFlight), task.ID); err != nil {
		return nil, fmt.Errorf("failed to mark task in-flight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	task.Status = StatusInFlight
	return task, nil
}

// MarkCompleted removes a task permanently after its mutation was applied
// to the remote store.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a transient failure. The retry counter increments and
// the task returns to pending; once the counter exceeds the configured
// ceiling the task transitions to failed, is excluded from automatic
// dequeue, and stays visible for diagnostics and manual retry.
// The returned status tells the caller which of the two happened.
func (q *Queue) MarkFailed(ctx context.Context, id string) (Status, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM queue_tasks WHERE id = ?`, id).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task %s: %w", id, err)
	}

	retryCount++
	status := StatusPending
	if retryCount > q.config.MaxRetries {
		status = StatusFailed
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET retry_count = ?, status = ? WHERE id = ?`,
		retryCount, string(status), id); err != nil {
		return "", fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit failure: %w", err)
	}

	if status == StatusFailed {
		q.logger.Printf("Task %s exhausted %d retries, marked failed", id, q.config.MaxRetries)
	}
	return status, nil
}

// MarkFailedPermanently moves a task straight to failed, bypassing the
// retry counter. Used for data/validation errors where blind retries
// cannot succeed.
func (q *Queue) MarkFailedPermanently(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ? WHERE id = ?`,
		string(StatusFailed), id)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", id, err)
	}
	return nil
}

// Release returns an in-flight task to pending without touching its retry
// counter. The orchestrator uses this when a drain pass is cut short
// (cancellation, or a task already attempted this cycle).
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ? WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", id, err)
	}
	return nil
}

// Recover returns any tasks stranded in-flight by a crash to pending.
// Call once at startup, before the first sync cycle.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered tasks: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Recovered %d stranded in-flight tasks", n)
	}
	return int(n), nil
}

// RetryTask returns one failed task to pending with a reset retry counter.
func (q *Queue) RetryTask(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, retry_count = 0
		WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to retry task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check retry of task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not in failed state", id)
	}
	return nil
}

// RetryAllFailed returns every failed task to pending and reports how many
// were requeued.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, retry_count = 0 WHERE status = ?`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retried tasks: %w", err)
	}
	return int(n), nil
}

// Pending returns all pending tasks in dequeue order.
func (q *Queue) Pending(ctx context.Context) ([]*Task, error) {
	return q.listByStatus(ctx, StatusPending)
}

// Failed returns all failed tasks, oldest first, for diagnostics and
// manual retry.
func (q *Queue) Failed(ctx context.Context) ([]*Task, error) {
	return q.listByStatus(ctx, StatusFailed)
}

func (q *Queue) listByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, priority, payload,
		       created_at, retry_count, status
		FROM queue_tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// Counts returns the number of pending and failed tasks.
func (q *Queue) Counts(ctx context.Context) (pending, failed int, err error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_tasks GROUP BY status`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch Status(status) {
		case StatusPending, StatusInFlight:
			pending += n
		case StatusFailed:
			failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating counts: %w", err)
	}

	return pending, failed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		task      Task
		typ       string
		op        string
		priority  int
		payload   string
		createdAt string
		status    string
	)

	err := sc.Scan(&task.ID, &typ, &task.EntityID, &op, &priority,
		&payload, &createdAt, &task.RetryCount, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.EntityType = entity.Type(typ)
	task.Operation = Operation(op)
	task.Priority = Priority(priority)
	task.Status = Status(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	task.CreatedAt = t

	if err := json.Unmarshal([]byte(payload), &task.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &task, nil
}
