package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowflow/compliance"
	"escrowflow/identity"
	"escrowflow/logging"
	"escrowflow/notification"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeIdentity struct {
	mu    sync.Mutex
	flags map[string]compliance.Flags
}

func (f *fakeIdentity) Flags(_ context.Context, id string) (compliance.Flags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flags[id]
	if !ok {
		return compliance.Flags{}, identity.ErrUserNotFound
	}
	return fl, nil
}

func (f *fakeIdentity) set(id string, fl compliance.Flags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[id] = fl
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []notification.Notification
}

func (r *recordingDispatcher) Dispatch(n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingDispatcher) ofType(t notification.Type) []notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Notification
	for _, n := range r.got {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	svc    *Service
	store  Store
	ids    *fakeIdentity
	ledger *notification.Ledger
	sent   *recordingDispatcher
	mu     sync.Mutex
	now    time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store Store) *harness {
	t.Helper()
	verified := compliance.Flags{IdentityVerified: true, KYCVerified: true, Role: compliance.RoleUser}
	h := &harness{
		now:   t0,
		store: store,
		sent:  &recordingDispatcher{},
		ids: &fakeIdentity{flags: map[string]compliance.Flags{
			"buyer":      verified,
			"seller":     verified,
			"outsider":   verified,
			"supervisor": verified,
			"admin":      {IdentityVerified: true, KYCVerified: true, Role: compliance.RoleAdmin},
			"advisor":    {IdentityVerified: true, KYCVerified: true, Role: compliance.RoleAdvisor},
			"unverified": {Role: compliance.RoleUser},
			"idonly":     {IdentityVerified: true, Role: compliance.RoleUser},
		}},
	}
	h.ledger = notification.NewLedger(h.sent, logging.Discard()).WithClock(h.clock)

	var seq int
	var seqMu sync.Mutex
	gate := compliance.NewGate(dec("10000"), dec("50000"))
	h.svc = NewService(h.store, h.ids, gate, h.ledger, DefaultOptions()).
		WithClock(h.clock).
		WithLogger(logging.Discard()).
		WithIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("%08d-0000", seq)
		})
	return h
}

func (h *harness) create(t *testing.T, price string) Transaction {
	t.Helper()
	tx, err := h.svc.Create(context.Background(), CreateParams{
		BuyerID:  "buyer",
		SellerID: "seller",
		Item: Item{
			Title:     "Tractor",
			Category:  CategoryMachinery,
			Condition: ConditionGood,
		},
		Price:          dec(price),
		Currency:       CurrencyMXN,
		DeliveryMethod: DeliveryPickup,
	})
	require.NoError(t, err)
	return tx
}

// payload builds a payload valid for op against t.
func payload(t Transaction, op Operation) Payload {
	switch op {
	case OpPay:
		return Payload{Payment: &PaymentPayload{Method: PaymentBankTransfer, Amount: t.Total, Currency: t.Currency, Reference: "REF-1"}}
	case OpShip:
		return Payload{Shipping: &Shipping{TrackingNumber: "TRK-42", Carrier: "DHL"}}
	case OpDispute:
		return Payload{Dispute: &DisputePayload{Reason: "item not as described", Description: "scratches"}}
	}
	return Payload{}
}

func (h *harness) apply(ctx context.Context, t Transaction, actor string, op Operation) (Transaction, error) {
	return h.svc.Apply(ctx, ApplyRequest{
		TransactionID: t.ID,
		ActorID:       actor,
		Operation:     op,
		Payload:       payload(t, op),
	})
}

var defaultActor = map[Operation]string{
	OpAccept:        "seller",
	OpPay:           "buyer",
	OpShip:          "seller",
	OpDeliver:       "buyer",
	OpApprove:       "buyer",
	OpSellerApprove: "seller",
	OpDispute:       "buyer",
	OpCancel:        "buyer",
}

// drive applies ops in order with their default actors.
func (h *harness) drive(t *testing.T, tx Transaction, ops ...Operation) Transaction {
	t.Helper()
	for _, op := range ops {
		next, err := h.apply(context.Background(), tx, defaultActor[op], op)
		require.NoError(t, err, "operation %s", op)
		tx = next
	}
	return tx
}

func (h *harness) load(t *testing.T, id string) Transaction {
	t.Helper()
	tx, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func pendingOfType(l *notification.Ledger, typ notification.Type) []notification.Notification {
	var out []notification.Notification
	for _, n := range l.ListPending() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
