package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue notifications and escalates each expiry to
// the configured recipients.
type Sweeper struct {
	ledger     *Ledger
	interval   time.Duration
	recipients []string
	logger     *slog.Logger
	nowFn      func() time.Time
}

func NewSweeper(ledger *Ledger, interval time.Duration, escalationRecipients []string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:     ledger,
		interval:   interval,
		recipients: append([]string(nil), escalationRecipients...),
		logger:     logger.With("component", "notification_sweeper"),
		nowFn:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx, s.nowFn())
		}
	}
}

// SweepOnce expires overdue notifications at now and returns how many expired.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) int {
	expired := s.ledger.SweepExpired(ctx, now)
	for _, res := range expired {
		n := res.Notification
		s.logger.WarnContext(ctx, "critical notification expired unconfirmed",
			"notification", n.ID, "type", string(n.Type))
		if len(s.recipients) == 0 {
			continue
		}
		var deadline time.Time
		if n.Deadline != nil {
			deadline = *n.Deadline
		}
		_, err := s.ledger.Create(ctx, CreateParams{
			Type:    TypeCriticalChange,
			Title:   "Escalation: " + n.Title,
			Message: fmt.Sprintf("Notification %s (%s) was not confirmed before its deadline.", n.ID, n.Type),
			Context: Context{
				Version:    ContextVersion,
				Escalation: &EscalationContext{NotificationID: n.ID, Type: n.Type, Deadline: deadline},
			},
			Recipients: s.recipients,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "escalation failed", "notification", n.ID, "error", err.Error())
		}
	}
	return len(expired)
}
