package token

import (
	"math"
	"time"
)

// RetryMeta is the saga-level retry state carried by every token.
type RetryMeta struct {
	// AttemptCount starts at 1 and grows by one per retry of the lineage.
	AttemptCount uint16
	// FirstAttemptAt is fixed when the lineage starts (second resolution).
	FirstAttemptAt time.Time
	// LastErrorCode is the classified code of the latest failure; empty on a first attempt.
	LastErrorCode string
	// Legacy is set when the token predates the retry trailer and was default-filled.
	Legacy bool
}

// FirstAttempt returns metadata for a lineage that starts at now.
func FirstAttempt(now time.Time) RetryMeta {
	return RetryMeta{AttemptCount: 1, FirstAttemptAt: now.UTC().Truncate(time.Second)}
}

// Next returns the metadata for a retry after a failure classified as code.
func (m RetryMeta) Next(code string) RetryMeta {
	next := m
	if next.AttemptCount < math.MaxUint16 {
		next.AttemptCount++
	}
	next.LastErrorCode = code
	next.Legacy = false
	return next
}

// Elapsed returns the time spent on the lineage so far.
func (m RetryMeta) Elapsed(now time.Time) time.Duration {
	if m.FirstAttemptAt.IsZero() {
		return 0
	}
	return now.Sub(m.FirstAttemptAt)
}
