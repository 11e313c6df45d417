package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"escrowflow/metrics"
)

// Ledger owns the pending set of critical notifications. One mutex serializes
// creation, confirmation, rejection and the expiry sweep, so a confirm and an
// expiry can never both resolve the same id.
type Ledger struct {
	mu       sync.Mutex
	pending  map[string]*Notification
	resolved map[string]Resolution

	// resolvedOrder holds resolved ids oldest first; the head is evicted once
	// len(resolved) exceeds resolvedLimit.
	resolvedOrder []string
	resolvedLimit int

	dispatcher Dispatcher
	audit      AuditSink
	logger     *slog.Logger
	metrics    *metrics.Escrow
	now        func() time.Time
	newID      func(time.Time, string) string
}

const (
	// DefaultResolvedLimit bounds the in-memory resolution records. The audit
	// sink keeps the full history.
	DefaultResolvedLimit = 4096

	maxIDAttempts = 8
)

func NewLedger(dispatcher Dispatcher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		pending:       make(map[string]*Notification),
		resolved:      make(map[string]Resolution),
		resolvedLimit: DefaultResolvedLimit,
		dispatcher:    dispatcher,
		logger:        logger.With("component", "notification_ledger"),
		now:           time.Now,
		newID:         NewID,
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) WithIDGenerator(gen func(time.Time, string) string) *Ledger {
	l.newID = gen
	return l
}

// WithResolvedLimit caps how many resolution records Resolution can return.
// Values below one keep the default.
func (l *Ledger) WithResolvedLimit(n int) *Ledger {
	if n > 0 {
		l.resolvedLimit = n
	}
	return l
}

func (l *Ledger) WithAudit(sink AuditSink) *Ledger {
	l.audit = sink
	return l
}

func (l *Ledger) WithMetrics(m *metrics.Escrow) *Ledger {
	l.metrics = m
	return l
}

// Create records a notification and hands it to the dispatcher. Notifications that
// require confirmation enter the pending set; the rest are recorded as informational.
// It fails on a context that does not match the type, or with ErrIDExhausted when
// the id generator keeps producing ids that are already in use.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (Notification, error) {
	if !p.Type.Valid() {
		return Notification{}, fmt.Errorf("%w: unknown type %q", ErrInvalidContext, p.Type)
	}
	if err := p.Context.Validate(p.Type); err != nil {
		return Notification{}, err
	}

	now := l.now()
	n := Notification{
		Type:                 p.Type,
		Title:                p.Title,
		Message:              p.Message,
		Context:              p.Context,
		Recipients:           append([]string(nil), p.Recipients...),
		RequiresConfirmation: p.RequiresConfirmation,
		Status:               StatusInformational,
		CreatedAt:            now,
	}
	if p.Deadline != nil {
		d := *p.Deadline
		n.Deadline = &d
	}

	l.mu.Lock()
	id, err := l.uniqueIDLocked(now, p.Title)
	if err != nil {
		l.mu.Unlock()
		return Notification{}, err
	}
	n.ID = id
	if n.RequiresConfirmation {
		n.Status = StatusPending
		stored := cloneNotification(n)
		l.pending[n.ID] = &stored
	}
	pending := len(l.pending)
	l.mu.Unlock()

	l.metrics.RecordNotification(string(n.Type), "created")
	l.metrics.SetPending(pending)
	l.logger.InfoContext(ctx, "notification created",
		"notification", n.ID, "type", string(n.Type), "status", string(n.Status))

	if l.dispatcher != nil {
		l.dispatcher.Dispatch(cloneNotification(n))
	}
	return n, nil
}

func (l *Ledger) uniqueIDLocked(now time.Time, title string) (string, error) {
	for range maxIDAttempts {
		id := l.newID(now, title)
		if _, taken := l.pending[id]; taken {
			continue
		}
		if _, taken := l.resolved[id]; taken {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("%w after %d attempts", ErrIDExhausted, maxIDAttempts)
}

// Confirm resolves a pending notification as confirmed. Ids that are not pending,
// whether unknown or already resolved, return ErrNotFound.
func (l *Ledger) Confirm(ctx context.Context, id, confirmedBy, notes string) (Resolution, error) {
	return l.resolve(ctx, id, StatusConfirmed, confirmedBy, notes)
}

// Reject resolves a pending notification as rejected. reason is mandatory.
func (l *Ledger) Reject(ctx context.Context, id, rejectedBy, reason string) (Resolution, error) {
	if strings.TrimSpace(reason) == "" {
		return Resolution{}, ErrReasonRequired
	}
	return l.resolve(ctx, id, StatusRejected, rejectedBy, reason)
}

func (l *Ledger) resolve(ctx context.Context, id string, status Status, by, notes string) (Resolution, error) {
	l.mu.Lock()
	n, ok := l.pending[id]
	if !ok {
		l.mu.Unlock()
		return Resolution{}, ErrNotFound
	}
	res := l.resolveLocked(n, status, by, notes, l.now())
	pending := len(l.pending)
	l.mu.Unlock()

	l.metrics.SetPending(pending)
	l.record(ctx, res)
	return res, nil
}

func (l *Ledger) resolveLocked(n *Notification, status Status, by, notes string, at time.Time) Resolution {
	delete(l.pending, n.ID)
	snapshot := cloneNotification(*n)
	snapshot.Status = status
	res := Resolution{
		Notification: snapshot,
		Status:       status,
		ResolvedBy:   by,
		Notes:        notes,
		ResolvedAt:   at,
	}
	l.resolved[n.ID] = res
	l.resolvedOrder = append(l.resolvedOrder, n.ID)
	for len(l.resolvedOrder) > l.resolvedLimit {
		delete(l.resolved, l.resolvedOrder[0])
		l.resolvedOrder = l.resolvedOrder[1:]
	}
	return res
}

func (l *Ledger) record(ctx context.Context, res Resolution) {
	l.metrics.RecordNotification(string(res.Notification.Type), string(res.Status))
	l.logger.InfoContext(ctx, "notification resolved",
		"notification", res.Notification.ID,
		"status", string(res.Status),
		"resolved_by", res.ResolvedBy)
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(ctx, res); err != nil {
		l.logger.ErrorContext(ctx, "audit record failed",
			"notification", res.Notification.ID, "error", err.Error())
	}
}

// ListPending returns the pending notifications ordered by creation time.
func (l *Ledger) ListPending() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(func(*Notification) bool { return true })
}

// ListOverdue returns pending notifications whose deadline passed before now.
func (l *Ledger) ListOverdue(now time.Time) []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(func(n *Notification) bool { return n.Overdue(now) })
}

func (l *Ledger) snapshotLocked(keep func(*Notification) bool) []Notification {
	out := make([]Notification, 0, len(l.pending))
	for _, n := range l.pending {
		if keep(n) {
			out = append(out, cloneNotification(*n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SweepExpired expires every overdue notification and returns the resolutions it
// produced. A second run with the same now finds nothing to do.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) []Resolution {
	l.mu.Lock()
	var expired []Resolution
	for _, n := range l.pending {
		if n.Overdue(now) {
			expired = append(expired, l.resolveLocked(n, StatusExpired, "system", "confirmation deadline passed", now))
		}
	}
	pending := len(l.pending)
	l.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Notification.CreatedAt.Before(expired[j].Notification.CreatedAt)
	})
	l.metrics.SetPending(pending)
	for _, res := range expired {
		l.record(ctx, res)
	}
	return expired
}

// Resolution returns the retained resolution record for id. Only the most recent
// resolutions, up to the resolved limit, are retained.
func (l *Ledger) Resolution(id string) (Resolution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.resolved[id]
	return res, ok
}
