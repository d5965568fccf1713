package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript moves up to ARGV[2] due members of the schedule KEYS[1] to the
// lease deadline ARGV[3] and bumps their attempt counters.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, name in ipairs(due) do
  redis.call('ZADD', KEYS[1], ARGV[3], name)
  redis.call('HINCRBY', ARGV[4] .. name, 'attempts', 1)
end
return due
`)

// RedisOptions configure the Redis broker.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention keeps finished task records so late duplicate enqueues are still dropped.
	Retention time.Duration
}

// RedisBroker schedules tasks in one sorted set per queue, scored by the
// unix millisecond at which the task is next due.
type RedisBroker struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, opts RedisOptions, now func() time.Time) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisBrokerWithClient(rdb, opts, now), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(rdb *redis.Client, opts RedisOptions, now func() time.Time) *RedisBroker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "payrelay"
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, retention: retention, now: now}
}

// Close releases the client.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// Ping checks the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) scheduleKey(queue string) string { return b.prefix + ":schedule:" + queue }
func (b *RedisBroker) deadKey(queue string) string { return b.prefix + ":dead:" + queue }
func (b *RedisBroker) taskPrefix() string { return b.prefix + ":task:" }
func (b *RedisBroker) taskKey(name string) string { return b.taskPrefix() + name }

func (b *RedisBroker) Enqueue(ctx context.Context, t Task) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return false, err
	}

	key := b.taskKey(t.Name)
	created, err := b.rdb.HSetNX(ctx, key, "queue", t.Queue).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	if !created {
		return false, nil
	}

	now := b.now()
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"payload", string(payload),
			"attempts", 0,
			"first_enqueued_at", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, b.scheduleKey(t.Queue), redis.Z{
			Score:  float64(now.Add(t.Delay).UnixMilli()),
			Member: t.Name,
		})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue task: %w", err)
	}
	return true, nil
}

func (b *RedisBroker) Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]Delivery, error) {
	now := b.now()
	names, err := claimScript.Run(ctx, b.rdb,
		[]string{b.scheduleKey(queue)},
		now.UnixMilli(), limit, now.Add(lease).UnixMilli(), b.taskPrefix(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	out := make([]Delivery, 0, len(names))
	for _, name := range names {
		fields, err := b.rdb.HGetAll(ctx, b.taskKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", name, err)
		}
		d := Delivery{ID: name, Name: name, Queue: queue}
		if err := json.Unmarshal([]byte(fields["payload"]), &d.Payload); err != nil {
			return nil, fmt.Errorf("decode task %s payload: %w", name, err)
		}
		d.Attempts, _ = strconv.Atoi(fields["attempts"])
		if ms, err := strconv.ParseInt(fields["first_enqueued_at"], 10, 64); err == nil {
			d.FirstEnqueuedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.scheduleKey(d.Queue), d.Name)
		pipe.HSet(ctx, b.taskKey(d.Name), "done", 1)
		pipe.Expire(ctx, b.taskKey(d.Name), b.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, d Delivery, runAt time.Time, reason string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.scheduleKey(d.Queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: d.Name})
		pipe.HSet(ctx, b.taskKey(d.Name), "last_error", reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.scheduleKey(d.Queue), d.Name)
		pipe.HSet(ctx, b.taskKey(d.Name), "dead", 1, "last_error", reason)
		pipe.LPush(ctx, b.deadKey(d.Queue), d.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter task: %w", err)
	}
	return nil
}

// DeadLetters lists dead-lettered task names of queue, newest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, queue string, limit int64) ([]string, error) {
	return b.rdb.LRange(ctx, b.deadKey(queue), 0, limit-1).Result()
}

var _ Broker = (*RedisBroker)(nil)
