// Package server exposes the saga stages, payment intake, health and
// metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"payrelay/internal/alerting"
	"payrelay/internal/logging"
	"payrelay/internal/service"
)

const (
	maxIntakeBytes = 64 << 10
	// signatureTolerance bounds the age of a signed intake request.
	signatureTolerance = 5 * time.Minute
)

// Intaker accepts payment notifications.
type Intaker interface {
	Intake(ctx context.Context, n service.Notification) (service.IntakeResult, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the HTTP surface.
type Options struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// IntakeSecret signs POST /v1/notify. Empty disables verification.
	IntakeSecret string
	Now          func() time.Time
}

// Server routes HTTP requests to stages and intake.
type Server struct {
	opts    Options
	mux     *http.ServeMux
	intake  Intaker
	health  map[string]Pinger
	logger  zerolog.Logger
	started time.Time
}

// New builds the router. stages maps each queue name to its handler; intake
// and metricsHandler may be nil.
func New(opts Options, stages map[string]http.Handler, intake Intaker, health map[string]Pinger, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		intake:  intake,
		health:  health,
		logger:  logger.With().Str("component", "http").Logger(),
		started: opts.Now(),
	}

	for queue, h := range stages {
		s.mux.Handle("/v1/stages/"+queue, h)
	}
	if intake != nil {
		s.mux.HandleFunc("/v1/notify", s.handleNotify)
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("/metrics", metricsHandler)
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIntakeBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	if s.opts.IntakeSecret != "" && !s.verify(r, body) {
		logging.Security(&s.logger).
			Str("remote_addr", r.RemoteAddr).
			Msg("intake signature rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var n service.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}

	res, err := s.intake.Intake(r.Context(), n)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidNotification):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	default:
		s.logger.Error().Err(err).Str("payment_ref", n.PaymentRef).Msg("intake failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "intake unavailable"})
		return
	}

	status := http.StatusAccepted
	if !res.Enqueued {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) verify(r *http.Request, body []byte) bool {
	ts := r.Header.Get(alerting.TimestampHeader)
	sig := r.Header.Get(alerting.SignatureHeader)
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := s.opts.Now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}
	return alerting.VerifySignature([]byte(s.opts.IntakeSecret), ts, body, sig)
}

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Uptime: s.opts.Now().Sub(s.started).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if len(s.health) > 0 {
		resp.Checks = make(map[string]string, len(s.health))
		for name, p := range s.health {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
