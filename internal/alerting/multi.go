package alerting

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Multi fans a notification out to every configured channel. A failing channel
// does not stop delivery to the others.
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti drops nil notifiers and returns nil when none remain.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &Multi{notifiers: kept, logger: logger.With().Str("component", "alerting").Logger()}
}

// Len reports the number of channels.
func (m *Multi) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}

// Notify delivers to all channels and joins their errors.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			m.logger.Error().Err(err).Str("lineage", note.Lineage).Msg("告警发送失败")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Multi)(nil)
