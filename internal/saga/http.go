package saga

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"payrelay/internal/queue"
)

const maxRequestBytes = 64 << 10

type response struct {
	Status    Outcome `json:"status"`
	Lineage   string  `json:"lineage,omitempty"`
	Attempt   uint16  `json:"attempt,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ServeHTTP accepts a queue delivery of the form {"token": "..."}.
func (s *Stage[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload queue.Payload
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeResult(w, Result{Outcome: OutcomeRejected, Status: http.StatusBadRequest, Code: InvalidTokenCode, Err: err})
		return
	}
	if payload.Token == "" {
		writeResult(w, Result{Outcome: OutcomeRejected, Status: http.StatusBadRequest, Code: InvalidTokenCode, Err: errors.New("token is required")})
		return
	}

	s.logger.Debug().
		Str("task", r.Header.Get(queue.HeaderTaskName)).
		Str("retry_count", r.Header.Get(queue.HeaderRetryCount)).
		Msg("delivery received")

	writeResult(w, s.Handle(r.Context(), payload.Token))
}

func writeResult(w http.ResponseWriter, res Result) {
	out := response{Status: res.Outcome, Lineage: res.Lineage, Attempt: res.Attempt, ErrorCode: res.Code}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	_ = json.NewEncoder(w).Encode(out)
}
