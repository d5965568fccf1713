package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"payrelay/internal/metrics"
)

// Delivery outcomes reported to metrics.
const (
	ResultAcked    = "acked"
	ResultRetried  = "retried"
	ResultDead     = "dead"
	ResultNoTarget = "no_target"
)

// DispatcherOptions tune delivery.
type DispatcherOptions struct {
	// Targets maps each queue to the stage URL its tasks are POSTed to.
	Targets map[string]string
	// Workers is the number of concurrent deliveries per queue (default 1).
	Workers map[string]int
	// Timeouts bounds one delivery per queue (default RequestTimeout).
	Timeouts         map[string]time.Duration
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	BatchSize        int
	Lease            time.Duration
	MaxRetryDuration time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	Client           *http.Client
	Now              func() time.Time
}

// Dispatcher claims due tasks and delivers them to their stage. Each queue
// has its own worker pool so a slow payment cannot hold up other stages.
type Dispatcher struct {
	broker  Broker
	opts    DispatcherOptions
	client  *http.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDispatcher validates opts and builds a Dispatcher.
func NewDispatcher(broker Broker, opts DispatcherOptions, m *metrics.Metrics, logger zerolog.Logger) (*Dispatcher, error) {
	if broker == nil {
		return nil, errors.New("dispatcher requires a broker")
	}
	for q := range opts.Targets {
		if !Known(q) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
		}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.MaxRetryDuration <= 0 {
		opts.MaxRetryDuration = 24 * time.Hour
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 10 * time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		broker:  broker,
		opts:    opts,
		client:  client,
		metrics: m,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Run delivers tasks for every queue with a target until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, q := range Queues {
		if d.opts.Targets[q] == "" {
			d.logger.Warn().Str("queue", q).Msg("no target configured; queue not dispatched")
			continue
		}
		started++
		jobs := make(chan Delivery)
		g.Go(func() error {
			defer close(jobs)
			return d.poll(ctx, q, jobs)
		})
		for i := 0; i < d.workers(q); i++ {
			g.Go(func() error {
				for del := range jobs {
					d.Deliver(ctx, del)
				}
				return nil
			})
		}
	}
	if started == 0 {
		return errors.New("dispatcher has no queue targets")
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) workers(queue string) int {
	if n := d.opts.Workers[queue]; n > 0 {
		return n
	}
	return 1
}

func (d *Dispatcher) timeout(queue string) time.Duration {
	if t := d.opts.Timeouts[queue]; t > 0 {
		return t
	}
	return d.opts.RequestTimeout
}

// lease outlives the delivery timeout so a running delivery is not handed out twice.
func (d *Dispatcher) lease(queue string) time.Duration {
	if floor := d.timeout(queue) + time.Minute; floor > d.opts.Lease {
		return floor
	}
	return d.opts.Lease
}

func (d *Dispatcher) poll(ctx context.Context, queue string, jobs chan<- Delivery) error {
	logger := d.logger.With().Str("queue", queue).Logger()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	limit := d.opts.BatchSize
	if w := d.workers(queue); w < limit {
		limit = w
	}

	for {
		deliveries, err := d.broker.Claim(ctx, queue, limit, d.lease(queue))
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("claim tasks failed")
		}
		d.metrics.TasksClaimed(queue, len(deliveries))
		for _, del := range deliveries {
			select {
			case jobs <- del:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(deliveries) == limit {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deliver POSTs one task to its stage and settles it: 2xx acks, 4xx
// dead-letters, anything else is retried with backoff until the task is
// older than MaxRetryDuration.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) string {
	logger := d.logger.With().
		Str("queue", del.Queue).
		Str("task", del.Name).
		Int("attempt", del.Attempts).
		Logger()

	target := d.opts.Targets[del.Queue]
	if target == "" {
		d.settle(context.WithoutCancel(ctx), logger, del, ResultNoTarget, "no target configured")
		return ResultNoTarget
	}

	status, body, err := d.post(ctx, target, del)
	// settle even when shutdown interrupted the delivery
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil && status >= 200 && status < 300:
		if ackErr := d.broker.Ack(ctx, del); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack task failed")
		}
		logger.Debug().Int("status", status).Msg("task delivered")
		d.metrics.TaskDispatched(del.Queue, ResultAcked)
		return ResultAcked
	case err == nil && permanentStatus(status):
		reason := fmt.Sprintf("stage rejected task (%d): %s", status, body)
		d.settle(ctx, logger, del, ResultDead, reason)
		return ResultDead
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	} else {
		reason = fmt.Sprintf("stage error (%d): %s", status, body)
	}
	now := d.opts.Now()
	if now.Sub(del.FirstEnqueuedAt) >= d.opts.MaxRetryDuration {
		d.settle(ctx, logger, del, ResultDead, "max retry duration exceeded: "+reason)
		return ResultDead
	}

	delay := Backoff(del.Attempts, d.opts.MinBackoff, d.opts.MaxBackoff)
	if retryErr := d.broker.Retry(ctx, del, now.Add(delay), reason); retryErr != nil {
		logger.Error().Err(retryErr).Msg("reschedule task failed")
	}
	logger.Warn().Str("reason", reason).Dur("backoff", delay).Msg("delivery failed; rescheduled")
	d.metrics.TaskDispatched(del.Queue, ResultRetried)
	return ResultRetried
}

func (d *Dispatcher) settle(ctx context.Context, logger zerolog.Logger, del Delivery, result, reason string) {
	if err := d.broker.DeadLetter(ctx, del, reason); err != nil {
		logger.Error().Err(err).Msg("dead-letter task failed")
	}
	logger.Error().Str("reason", reason).Msg("task dead-lettered")
	d.metrics.TaskDispatched(del.Queue, result)
}

func (d *Dispatcher) post(ctx context.Context, target string, del Delivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout(del.Queue))
	defer cancel()

	body, err := json.Marshal(del.Payload)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTaskName, del.Name)
	req.Header.Set(HeaderTaskQueue, del.Queue)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(del.Attempts-1))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, strings.TrimSpace(string(snippet)), nil
}

// permanentStatus reports whether a stage response means redelivery cannot help.
func permanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
