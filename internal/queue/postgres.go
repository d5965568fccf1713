package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	enqueueTaskSQL = `INSERT INTO saga_tasks (
        task_name,
        queue,
        payload,
        run_at,
        first_enqueued_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (task_name) DO NOTHING
    RETURNING id;`

	claimTasksSQL = `UPDATE saga_tasks
    SET leased_until = $3,
        attempts = attempts + 1
    WHERE id IN (
        SELECT id
        FROM saga_tasks
        WHERE queue = $1
          AND NOT done
          AND NOT dead
          AND run_at <= $4
          AND (leased_until IS NULL OR leased_until < $4)
        ORDER BY run_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    )
    RETURNING id, task_name, queue, payload, attempts, first_enqueued_at;`

	ackTaskSQL = `UPDATE saga_tasks
    SET done = TRUE, leased_until = NULL
    WHERE id = $1;`

	retryTaskSQL = `UPDATE saga_tasks
    SET run_at = $2, leased_until = NULL, last_error = $3
    WHERE id = $1;`

	deadLetterTaskSQL = `UPDATE saga_tasks
    SET dead = TRUE, leased_until = NULL, last_error = $2
    WHERE id = $1;`

	countTasksSQL = `SELECT
        queue,
        COUNT(*) FILTER (WHERE NOT done AND NOT dead),
        COUNT(*) FILTER (WHERE dead)
    FROM saga_tasks
    GROUP BY queue;`
)

// QueueStats counts open and dead tasks of one queue.
type QueueStats struct {
	Queue string
	Open  int64
	Dead  int64
}

// PostgresBroker stores tasks in the saga_tasks table and claims them with
// FOR UPDATE SKIP LOCKED so several dispatchers can share a queue.
type PostgresBroker struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresBroker wires a broker onto pool. now may be nil.
func NewPostgresBroker(pool *pgxpool.Pool, now func() time.Time) *PostgresBroker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresBroker{pool: pool, now: now}
}

func (b *PostgresBroker) getPool() (*pgxpool.Pool, error) {
	if b == nil || b.pool == nil {
		return nil, errors.New("queue: postgres pool not configured")
	}
	return b.pool, nil
}

func (b *PostgresBroker) Enqueue(ctx context.Context, t Task) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	pool, err := b.getPool()
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return false, err
	}

	now := b.now()
	var id int64
	scanErr := pool.QueryRow(ctx, enqueueTaskSQL, t.Name, t.Queue, payload, now.Add(t.Delay), now).Scan(&id)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return false, nil
	}
	if scanErr != nil {
		return false, fmt.Errorf("enqueue task: %w", scanErr)
	}
	return true, nil
}

func (b *PostgresBroker) Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]Delivery, error) {
	pool, err := b.getPool()
	if err != nil {
		return nil, err
	}
	now := b.now()

	rows, err := pool.Query(ctx, claimTasksSQL, queue, limit, now.Add(lease), now)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0, limit)
	for rows.Next() {
		var d Delivery
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &d.Name, &d.Queue, &payload, &d.Attempts, &d.FirstEnqueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &d.Payload); err != nil {
			return nil, fmt.Errorf("decode task %s payload: %w", d.Name, err)
		}
		d.ID = strconv.FormatInt(id, 10)
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (b *PostgresBroker) Ack(ctx context.Context, d Delivery) error {
	return b.exec(ctx, "ack task", ackTaskSQL, d.ID)
}

func (b *PostgresBroker) Retry(ctx context.Context, d Delivery, runAt time.Time, reason string) error {
	return b.exec(ctx, "retry task", retryTaskSQL, d.ID, runAt, reason)
}

func (b *PostgresBroker) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	return b.exec(ctx, "dead-letter task", deadLetterTaskSQL, d.ID, reason)
}

// Stats counts open and dead tasks per queue.
func (b *PostgresBroker) Stats(ctx context.Context) ([]QueueStats, error) {
	pool, err := b.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, countTasksSQL)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make([]QueueStats, 0, len(Queues))
	for rows.Next() {
		var s QueueStats
		if err := rows.Scan(&s.Queue, &s.Open, &s.Dead); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBroker) exec(ctx context.Context, op, sql string, id string, args ...any) error {
	pool, err := b.getPool()
	if err != nil {
		return err
	}
	taskID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad task id %q", op, id)
	}
	if _, err := pool.Exec(ctx, sql, append([]any{taskID}, args...)...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

var _ Broker = (*PostgresBroker)(nil)
