// Package saga runs one hop of a token-carried payment saga: decode the
// inbound token, do one unit of work, then forward, retry or fail terminally.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"payrelay/internal/alerting"
	"payrelay/internal/classifier"
	"payrelay/internal/logging"
	"payrelay/internal/metrics"
	"payrelay/internal/queue"
	"payrelay/internal/storage"
	"payrelay/internal/token"
)

const (
	// DefaultMaxAttempts is the attempt ceiling of a lineage at one stage.
	DefaultMaxAttempts uint16 = 3
	// DefaultRetryDelay is how long a retry token waits in the queue.
	DefaultRetryDelay = 60 * time.Second

	// MaxAttemptsCode is recorded when a token arrives past the ceiling
	// without a previous error code.
	MaxAttemptsCode = "MAX_ATTEMPTS_EXCEEDED"
	// InvalidTokenCode labels rejected deliveries in metrics.
	InvalidTokenCode = "INVALID_TOKEN"

	// bookkeepingTimeout bounds the enqueue and failure writes that follow work.
	bookkeepingTimeout = 30 * time.Second
)

// ErrDeferred is returned by work that cannot proceed yet, for example while
// another delivery of the same lineage holds the payment claim. The delivery
// is answered with 503 and the token is left untouched.
var ErrDeferred = errors.New("saga: work deferred")

// Outcome is what a stage did with one delivery.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeError     Outcome = "error"
)

// Next is a token to hand to the following stage.
type Next struct {
	Queue string
	Token token.Payload
	Delay time.Duration
}

// Work performs the stage's unit of external work for one token and returns
// the tokens to forward. An empty slice ends the saga successfully.
type Work[T token.Payload] func(ctx context.Context, in T) ([]Next, error)

// FailureHook runs after a terminal failure has been recorded. It runs on
// every terminal delivery, so it must be idempotent.
type FailureHook[T token.Payload] func(ctx context.Context, in T, failure storage.Failure) error

// Config names a stage and sets its retry policy.
type Config struct {
	Name        string
	Queue       string
	MaxAttempts uint16
	RetryDelay  time.Duration
}

// Deps are the collaborators shared by every stage.
type Deps struct {
	Codec      *token.Codec
	Queue      queue.Enqueuer
	Classifier *classifier.Classifier
	Failures   storage.FailureStore
	Alerter    alerting.Notifier
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Result describes how one delivery was handled.
type Result struct {
	Outcome Outcome
	Status  int
	Lineage string
	Attempt uint16
	Code    string
	Err     error
}

// Stage is the envelope around one hop's Work.
type Stage[T token.Payload] struct {
	cfg       Config
	deps      Deps
	newToken  func() T
	work      Work[T]
	onFailure FailureHook[T]
	logger    zerolog.Logger
}

// NewStage validates cfg and deps and builds a stage. newToken returns an
// empty token of the kind the stage consumes.
func NewStage[T token.Payload](cfg Config, deps Deps, newToken func() T, work Work[T]) (*Stage[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("saga: stage name required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("saga: stage %s: queue required", cfg.Name)
	}
	if deps.Codec == nil || deps.Queue == nil || deps.Failures == nil {
		return nil, fmt.Errorf("saga: stage %s: codec, queue and failure store are required", cfg.Name)
	}
	if newToken == nil || work == nil {
		return nil, fmt.Errorf("saga: stage %s: token constructor and work are required", cfg.Name)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.Default()
	}

	return &Stage[T]{
		cfg:      cfg,
		deps:     deps,
		newToken: newToken,
		work:     work,
		logger:   logging.Component(deps.Logger, "stage_"+cfg.Name),
	}, nil
}

// OnTerminalFailure registers a compensation hook.
func (s *Stage[T]) OnTerminalFailure(hook FailureHook[T]) *Stage[T] {
	s.onFailure = hook
	return s
}

// Name returns the stage name.
func (s *Stage[T]) Name() string {
	return s.cfg.Name
}

// Handle processes one encoded token.
func (s *Stage[T]) Handle(ctx context.Context, raw string) Result {
	start := time.Now()
	res := s.handle(ctx, raw)
	s.deps.Metrics.StageHandled(s.cfg.Name, string(res.Outcome), res.Code, time.Since(start))
	return res
}

func (s *Stage[T]) handle(ctx context.Context, raw string) Result {
	in := s.newToken()
	if err := s.deps.Codec.Decode(raw, in); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, token.ErrSignature) {
			status = http.StatusUnauthorized
		}
		logging.Security(&s.logger).Err(err).
			Bool("protocol_error", token.IsProtocolError(err)).
			Msg("token rejected")
		return Result{Outcome: OutcomeRejected, Status: status, Code: InvalidTokenCode, Err: err}
	}

	meta := in.Meta().Retry
	lineage := in.Lineage()
	log := s.logger.With().
		Str("lineage", lineage).
		Uint16("attempt", meta.AttemptCount).
		Logger()
	if meta.LastErrorCode != "" {
		log.Warn().Str("last_error_code", meta.LastErrorCode).Msg("retrying after previous failure")
	}

	if meta.AttemptCount > s.cfg.MaxAttempts {
		code := meta.LastErrorCode
		if code == "" {
			code = MaxAttemptsCode
		}
		ce := s.deps.Classifier.NewError(code, fmt.Errorf("attempt %d exceeds ceiling %d", meta.AttemptCount, s.cfg.MaxAttempts))
		return s.terminal(ctx, in, ce, log)
	}

	next, err := s.work(ctx, in)
	switch {
	case err == nil:
		return s.forward(ctx, in, next, log)
	case errors.Is(err, ErrDeferred):
		log.Info().Err(err).Msg("work deferred")
		return Result{Outcome: OutcomeDeferred, Status: http.StatusServiceUnavailable, Lineage: lineage, Attempt: meta.AttemptCount, Err: err}
	}

	ce := s.deps.Classifier.ClassifyError(err)
	if ce.Retryable && meta.AttemptCount < s.cfg.MaxAttempts {
		return s.retry(ctx, in, ce, log)
	}
	return s.terminal(ctx, in, ce, log)
}

// detach returns the context for the steps that follow work. They outlive a
// delivery whose deadline passed while work ran.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// forward enqueues each next token. A token continuing the same lineage keeps
// its retry metadata; any other starts a fresh attempt that keeps the
// lineage's first-attempt time.
func (s *Stage[T]) forward(ctx context.Context, in T, next []Next, log zerolog.Logger) Result {
	ctx, cancel := detach(ctx)
	defer cancel()

	meta := in.Meta().Retry
	for _, n := range next {
		h := n.Token.Meta()
		if n.Token.Lineage() == in.Lineage() {
			h.Retry = meta
			h.Retry.Legacy = false
		} else {
			h.Retry = token.RetryMeta{AttemptCount: 1, FirstAttemptAt: meta.FirstAttemptAt}
		}
		if _, err := Publish(ctx, s.deps.Codec, s.deps.Queue, n); err != nil {
			log.Error().Err(err).Str("queue", n.Queue).Msg("forward failed")
			return Result{Outcome: OutcomeError, Status: http.StatusServiceUnavailable, Lineage: in.Lineage(), Attempt: meta.AttemptCount, Err: err}
		}
		log.Info().Str("queue", n.Queue).Str("next_lineage", n.Token.Lineage()).Msg("token forwarded")
	}

	outcome := OutcomeForwarded
	if len(next) == 0 {
		outcome = OutcomeCompleted
		log.Info().Dur("elapsed", meta.Elapsed(s.deps.Codec.Now())).Msg("saga completed")
	}
	return Result{Outcome: outcome, Status: http.StatusOK, Lineage: in.Lineage(), Attempt: meta.AttemptCount}
}

func (s *Stage[T]) retry(ctx context.Context, in T, ce *classifier.ClassifiedError, log zerolog.Logger) Result {
	ctx, cancel := detach(ctx)
	defer cancel()

	h := in.Meta()
	h.Retry = h.Retry.Next(ce.Code)
	attempt := h.Retry.AttemptCount

	_, err := Publish(ctx, s.deps.Codec, s.deps.Queue, Next{Queue: s.cfg.Queue, Token: in, Delay: s.cfg.RetryDelay})
	if err != nil {
		log.Error().Err(err).Msg("retry enqueue failed")
		return Result{Outcome: OutcomeError, Status: http.StatusServiceUnavailable, Lineage: in.Lineage(), Attempt: attempt - 1, Code: ce.Code, Err: err}
	}

	log.Warn().Err(ce.Err).
		Str("error_code", ce.Code).
		Str("category", string(ce.Category)).
		Uint16("next_attempt", attempt).
		Dur("delay", s.cfg.RetryDelay).
		Msg("retry scheduled")
	return Result{Outcome: OutcomeRetried, Status: http.StatusOK, Lineage: in.Lineage(), Attempt: attempt - 1, Code: ce.Code, Err: ce}
}

// terminal records the failure once per lineage, alerts until an alert has
// been delivered for that record, and always runs the compensation hook.
func (s *Stage[T]) terminal(ctx context.Context, in T, ce *classifier.ClassifiedError, log zerolog.Logger) Result {
	ctx, cancel := detach(ctx)
	defer cancel()

	meta := in.Meta().Retry
	now := s.deps.Codec.Now()

	message := ce.Description
	if ce.Err != nil {
		message = ce.Err.Error()
	}
	details, err := json.Marshal(map[string]any{
		"kind":            in.Kind(),
		"category":        ce.Category,
		"retryable":       ce.Retryable,
		"description":     ce.Description,
		"last_error_code": meta.LastErrorCode,
		"legacy_token":    meta.Legacy,
	})
	if err != nil {
		details = nil
	}

	failure := storage.Failure{
		UniqueID:       in.Lineage(),
		Stage:          s.cfg.Name,
		ErrorCode:      ce.Code,
		ErrorMessage:   message,
		AttemptCount:   int(meta.AttemptCount),
		FirstAttemptAt: meta.FirstAttemptAt,
		Details:        details,
		CreatedAt:      now,
	}
	alertPending, err := s.deps.Failures.RecordFailure(ctx, failure)
	if err != nil {
		log.Error().Err(err).Str("error_code", ce.Code).Msg("record failure")
		return Result{Outcome: OutcomeError, Status: http.StatusServiceUnavailable, Lineage: in.Lineage(), Attempt: meta.AttemptCount, Code: ce.Code, Err: err}
	}

	log.Error().Err(ce.Err).
		Str("event", "saga_failed_permanently").
		Str("stage", s.cfg.Name).
		Str("error_code", ce.Code).
		Str("category", string(ce.Category)).
		Time("first_attempt_at", meta.FirstAttemptAt).
		Dur("elapsed", meta.Elapsed(now)).
		Bool("alert_pending", alertPending).
		Msg("saga failed permanently")

	if alertPending {
		if err := s.alert(ctx, in, ce, message, now); err != nil {
			log.Error().Err(err).Msg("alert delivery failed")
			return Result{Outcome: OutcomeError, Status: http.StatusServiceUnavailable, Lineage: in.Lineage(), Attempt: meta.AttemptCount, Code: ce.Code, Err: err}
		}
	}

	if s.onFailure != nil {
		if err := s.onFailure(ctx, in, failure); err != nil {
			log.Error().Err(err).Msg("compensation failed")
			return Result{Outcome: OutcomeError, Status: http.StatusServiceUnavailable, Lineage: in.Lineage(), Attempt: meta.AttemptCount, Code: ce.Code, Err: err}
		}
	}

	return Result{Outcome: OutcomeFailed, Status: http.StatusOK, Lineage: in.Lineage(), Attempt: meta.AttemptCount, Code: ce.Code, Err: ce}
}

// alert notifies operators and marks the failure record alerted. A failure
// before the mark leaves the alert pending for the next delivery.
func (s *Stage[T]) alert(ctx context.Context, in T, ce *classifier.ClassifiedError, message string, now time.Time) error {
	if s.deps.Alerter != nil {
		if err := s.deps.Alerter.Notify(ctx, s.notification(in, ce, message, now)); err != nil {
			return err
		}
	}
	if err := s.deps.Failures.MarkAlerted(ctx, in.Lineage(), now); err != nil {
		return fmt.Errorf("mark alerted: %w", err)
	}
	return nil
}

func (s *Stage[T]) notification(in T, ce *classifier.ClassifiedError, message string, now time.Time) alerting.Notification {
	meta := in.Meta().Retry
	severity := alerting.SeverityError
	if ce.Category == classifier.CategoryCritical {
		severity = alerting.SeverityCritical
	}
	return alerting.Notification{
		Title:          fmt.Sprintf("%s stage failed", s.cfg.Name),
		Severity:       severity,
		Stage:          s.cfg.Name,
		Lineage:        in.Lineage(),
		Code:           ce.Code,
		Category:       string(ce.Category),
		Message:        message,
		Attempt:        meta.AttemptCount,
		FirstAttemptAt: meta.FirstAttemptAt,
		OccurredAt:     now,
		Fields:         map[string]string{"kind": string(in.Kind())},
	}
}

// Publish encodes n.Token as-is and enqueues it under a name derived from the
// queue, lineage and attempt, so a redelivered forward is a no-op.
func Publish(ctx context.Context, codec *token.Codec, q queue.Enqueuer, n Next) (bool, error) {
	if n.Token == nil {
		return false, errors.New("saga: next token is nil")
	}
	encoded, err := codec.Encode(n.Token)
	if err != nil {
		return false, err
	}
	attempt := n.Token.Meta().Retry.AttemptCount
	if attempt == 0 {
		attempt = 1
	}
	created, err := q.Enqueue(ctx, queue.Task{
		Name:    queue.TaskName(n.Queue, n.Token.Lineage(), attempt),
		Queue:   n.Queue,
		Payload: queue.Payload{Token: encoded},
		Delay:   n.Delay,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", n.Queue, err)
	}
	return created, nil
}
