package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/logging"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingDispatcher) Dispatch(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingDispatcher) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

type memoryAudit struct {
	mu      sync.Mutex
	records []Resolution
	err     error
}

func (m *memoryAudit) Record(_ context.Context, r Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *recordingDispatcher, *time.Time) {
	t.Helper()
	now := base
	seq := 0
	disp := &recordingDispatcher{}
	l := NewLedger(disp, logging.Discard()).
		WithClock(func() time.Time { return now }).
		WithIDGenerator(func(time.Time, string) string {
			seq++
			return fmt.Sprintf("CRIT-%03d", seq)
		})
	return l, disp, &now
}

func fundsReleased(deadline *time.Time) CreateParams {
	return CreateParams{
		Type:    TypeFundsReleased,
		Title:   "Funds released",
		Message: "Funds for ESC-1 have been released",
		Context: Context{
			Version:     ContextVersion,
			Transaction: &TransactionContext{TransactionID: "ESC-1", FromStatus: "buyer_approved", ToStatus: "funds_released"},
		},
		Recipients:           []string{"buyer", "seller"},
		RequiresConfirmation: true,
		Deadline:             deadline,
	}
}

func TestCreatePendingAndDispatch(t *testing.T) {
	l, disp, _ := newTestLedger(t)
	deadline := base.Add(24 * time.Hour)

	n, err := l.Create(context.Background(), fundsReleased(&deadline))
	require.NoError(t, err)
	require.Equal(t, "CRIT-001", n.ID)
	require.Equal(t, StatusPending, n.Status)
	require.Equal(t, base, n.CreatedAt)

	require.Len(t, l.ListPending(), 1)
	require.Len(t, disp.all(), 1)
	require.Equal(t, n.ID, disp.all()[0].ID)
}

func TestCreateInformationalSkipsPendingSet(t *testing.T) {
	l, disp, _ := newTestLedger(t)
	p := fundsReleased(nil)
	p.RequiresConfirmation = false

	n, err := l.Create(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, StatusInformational, n.Status)
	require.Empty(t, l.ListPending())
	require.Len(t, disp.all(), 1)
}

func TestCreateRejectsMismatchedContext(t *testing.T) {
	l, disp, _ := newTestLedger(t)
	p := fundsReleased(nil)
	p.Type = TypeDisputeCreated

	_, err := l.Create(context.Background(), p)
	require.ErrorIs(t, err, ErrInvalidContext)
	require.Empty(t, disp.all())
}

func TestConfirmAndRejectNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Confirm(ctx, "CRIT-missing", "admin", "")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)

	res, err := l.Confirm(ctx, n.ID, "admin", "checked")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	require.Equal(t, "admin", res.ResolvedBy)

	_, err = l.Confirm(ctx, n.ID, "admin", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = l.Reject(ctx, n.ID, "admin", "too late")
	require.ErrorIs(t, err, ErrNotFound)

	kept, ok := l.Resolution(n.ID)
	require.True(t, ok)
	require.Equal(t, StatusConfirmed, kept.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	n, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)

	_, err = l.Reject(ctx, n.ID, "admin", "  ")
	require.ErrorIs(t, err, ErrReasonRequired)
	require.Len(t, l.ListPending(), 1)

	res, err := l.Reject(ctx, n.ID, "admin", "amount mismatch")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Status)
	require.Equal(t, "amount mismatch", res.Notes)
	require.Empty(t, l.ListPending())
}

func TestSweepExpiredAfterDeadline(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	deadline := base.Add(24 * time.Hour)
	n, err := l.Create(ctx, fundsReleased(&deadline))
	require.NoError(t, err)

	require.Empty(t, l.ListOverdue(base.Add(23*time.Hour)))
	require.Len(t, l.ListOverdue(base.Add(25*time.Hour)), 1)

	expired := l.SweepExpired(ctx, base.Add(25*time.Hour))
	require.Len(t, expired, 1)
	require.Equal(t, StatusExpired, expired[0].Status)
	require.Equal(t, n.ID, expired[0].Notification.ID)
	require.Empty(t, l.ListPending())

	_, err = l.Confirm(ctx, n.ID, "admin", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	early := base.Add(time.Hour)
	late := base.Add(48 * time.Hour)
	_, err := l.Create(ctx, fundsReleased(&early))
	require.NoError(t, err)
	keep, err := l.Create(ctx, fundsReleased(&late))
	require.NoError(t, err)
	_, err = l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)

	at := base.Add(2 * time.Hour)
	require.Len(t, l.SweepExpired(ctx, at), 1)
	first := l.ListPending()

	require.Empty(t, l.SweepExpired(ctx, at))
	require.Equal(t, first, l.ListPending())
	require.Len(t, first, 2)
	require.Equal(t, keep.ID, first[0].ID)
}

func TestResolvedIDNeverReentersPending(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	calls := 0
	l.WithIDGenerator(func(time.Time, string) string {
		calls++
		if calls <= 2 {
			return "CRIT-fixed"
		}
		return "CRIT-fresh"
	})

	first, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)
	_, err = l.Confirm(ctx, first.ID, "admin", "")
	require.NoError(t, err)

	second, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)
	require.Equal(t, "CRIT-fresh", second.ID)
}

func TestConstantIDGeneratorGivesUp(t *testing.T) {
	l, disp, _ := newTestLedger(t)
	ctx := context.Background()
	l.WithIDGenerator(func(time.Time, string) string { return "CRIT-same" })

	first, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)
	require.Equal(t, "CRIT-same", first.ID)

	_, err = l.Create(ctx, fundsReleased(nil))
	require.ErrorIs(t, err, ErrIDExhausted)
	require.Len(t, l.ListPending(), 1)
	require.Len(t, disp.all(), 1)
}

func TestResolvedRecordsAreBounded(t *testing.T) {
	l, _, _ := newTestLedger(t)
	l.WithResolvedLimit(2)
	ctx := context.Background()

	var ids []string
	for range 3 {
		n, err := l.Create(ctx, fundsReleased(nil))
		require.NoError(t, err)
		_, err = l.Confirm(ctx, n.ID, "admin", "")
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	_, ok := l.Resolution(ids[0])
	require.False(t, ok)
	for _, id := range ids[1:] {
		res, ok := l.Resolution(id)
		require.True(t, ok)
		require.Equal(t, StatusConfirmed, res.Status)
	}
	_, err := l.Confirm(ctx, ids[0], "admin", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolutionsAreAudited(t *testing.T) {
	l, _, _ := newTestLedger(t)
	audit := &memoryAudit{}
	l.WithAudit(audit)
	ctx := context.Background()

	n, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)
	_, err = l.Confirm(ctx, n.ID, "admin", "ok")
	require.NoError(t, err)

	require.Len(t, audit.records, 1)
	require.Equal(t, n.ID, audit.records[0].Notification.ID)
}

func TestAuditFailureDoesNotFailResolution(t *testing.T) {
	l, _, _ := newTestLedger(t)
	l.WithAudit(&memoryAudit{err: errors.New("disk full")})
	ctx := context.Background()

	n, err := l.Create(ctx, fundsReleased(nil))
	require.NoError(t, err)
	_, err = l.Confirm(ctx, n.ID, "admin", "")
	require.NoError(t, err)
}

func TestConfirmRacesSweepSingleWinner(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	deadline := base.Add(time.Hour)

	for i := 0; i < 50; i++ {
		n, err := l.Create(ctx, fundsReleased(&deadline))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var confirmErr error
		var swept []Resolution
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = l.Confirm(ctx, n.ID, "admin", "")
		}()
		go func() {
			defer wg.Done()
			swept = l.SweepExpired(ctx, base.Add(2*time.Hour))
		}()
		wg.Wait()

		if confirmErr == nil {
			require.Empty(t, swept)
		} else {
			require.ErrorIs(t, confirmErr, ErrNotFound)
			require.Len(t, swept, 1)
		}
		res, ok := l.Resolution(n.ID)
		require.True(t, ok)
		require.Contains(t, []Status{StatusConfirmed, StatusExpired}, res.Status)
	}
}
