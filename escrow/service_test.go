package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/compliance"
	"escrowflow/dispute"
	"escrowflow/notification"
)

func TestComputeFee(t *testing.T) {
	cases := []struct {
		price, fee, total string
	}{
		{"1000", "25.00", "1025.00"},
		{"100.10", "2.50", "102.60"},
		{"0.20", "0.01", "0.21"},
		{"333.33", "8.33", "341.66"},
		{"60000", "1500.00", "61500.00"},
	}
	for _, tc := range cases {
		fee, total := ComputeFee(dec(tc.price), dec("0.025"), CurrencyMXN)
		require.True(t, fee.Equal(dec(tc.fee)), "fee for %s: got %s", tc.price, fee)
		require.True(t, total.Equal(dec(tc.total)), "total for %s: got %s", tc.price, total)
	}
}

func TestCreateStartsPendingAgreement(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "1000")

	require.Equal(t, "ESC-20250301-00000001", tx.ID)
	require.Equal(t, StatusPendingAgreement, tx.Status)
	require.True(t, tx.EscrowFee.Equal(dec("25")))
	require.True(t, tx.Total.Equal(dec("1025")))
	require.True(t, tx.FeeRate.Equal(dec("0.025")))
	require.Equal(t, 3, tx.InspectionDays)
	require.Equal(t, int64(1), tx.Version)
	require.Equal(t, t0.AddDate(0, 0, 30), tx.ExpiresAt)
	require.Len(t, tx.Messages, 1)
	require.Equal(t, SystemActor, tx.Messages[0].SenderID)

	require.Empty(t, h.ledger.ListPending())
	require.Len(t, h.sent.ofType(notification.TypeStatusChange), 1)
}

func TestCreateValidation(t *testing.T) {
	base := func() CreateParams {
		return CreateParams{
			BuyerID:        "buyer",
			SellerID:       "seller",
			Item:           Item{Title: "Piano", Category: CategoryArt, Condition: ConditionFair},
			Price:          dec("500"),
			Currency:       CurrencyMXN,
			DeliveryMethod: DeliveryShipping,
		}
	}
	cases := map[string]func(*CreateParams){
		"same party":       func(p *CreateParams) { p.SellerID = "buyer" },
		"missing seller":   func(p *CreateParams) { p.SellerID = " " },
		"supervisor party": func(p *CreateParams) { p.SupervisorID = "seller" },
		"empty title":      func(p *CreateParams) { p.Item.Title = "" },
		"bad category":     func(p *CreateParams) { p.Item.Category = "boats" },
		"bad condition":    func(p *CreateParams) { p.Item.Condition = "mint" },
		"bad delivery":     func(p *CreateParams) { p.DeliveryMethod = "drone" },
		"bad currency":     func(p *CreateParams) { p.Currency = "JPY" },
		"below minimum":    func(p *CreateParams) { p.Price = dec("99.99") },
		"sub-cent price":   func(p *CreateParams) { p.Price = dec("150.005") },
		"zero price":       func(p *CreateParams) { p.Price = dec("0") },
		"long inspection":  func(p *CreateParams) { p.InspectionDays = 31 },
		"negative estimate": func(p *CreateParams) {
			v := dec("-1")
			p.Item.EstimatedValue = &v
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			p := base()
			mutate(&p)
			_, err := h.svc.Create(context.Background(), p)
			require.ErrorIs(t, err, ErrValidation)

			items, total, err := h.store.ListForParty(context.Background(), ListFilters{})
			require.NoError(t, err)
			require.Empty(t, items)
			require.Zero(t, total)
		})
	}
}

func TestCreateDeniedByCompliance(t *testing.T) {
	t.Run("unverified buyer", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), CreateParams{
			BuyerID: "unverified", SellerID: "seller",
			Item:  Item{Title: "Laptop", Category: CategoryElectronics, Condition: ConditionNew},
			Price: dec("1000"), DeliveryMethod: DeliveryMeetup,
		})
		var ce *ComplianceError
		require.ErrorAs(t, err, &ce)
		require.ErrorIs(t, err, ErrComplianceDenied)
		require.Equal(t, compliance.IdentityDocuments, ce.Missing)

		notices := h.sent.ofType(notification.TypeKYCVerificationRequired)
		require.Len(t, notices, 1)
		require.Equal(t, []string{"unverified"}, notices[0].Recipients)
		require.Equal(t, notification.StatusInformational, notices[0].Status)
	})

	t.Run("unverified seller", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), CreateParams{
			BuyerID: "buyer", SellerID: "unverified",
			Item:  Item{Title: "Laptop", Category: CategoryElectronics, Condition: ConditionNew},
			Price: dec("1000"), DeliveryMethod: DeliveryMeetup,
		})
		var ce *ComplianceError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, Operation(compliance.OpCounterparty), ce.Operation)
	})

	t.Run("above KYC threshold", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), CreateParams{
			BuyerID: "idonly", SellerID: "seller",
			Item:  Item{Title: "Car", Category: CategoryVehicle, Condition: ConditionGood},
			Price: dec("20000"), DeliveryMethod: DeliveryPickup,
		})
		var ce *ComplianceError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, compliance.KYCDocuments, ce.Missing)
	})

	t.Run("unknown user", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Create(context.Background(), CreateParams{
			BuyerID: "ghost", SellerID: "seller",
			Item:  Item{Title: "Car", Category: CategoryVehicle, Condition: ConditionGood},
			Price: dec("200"), DeliveryMethod: DeliveryPickup,
		})
		require.ErrorIs(t, err, ErrForbidden)
	})
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "1000")

	tx = h.drive(t, tx, OpAccept)
	require.Equal(t, StatusPendingPayment, tx.Status)
	require.NotNil(t, tx.Timestamps.AgreedAt)

	h.advance(time.Hour)
	tx = h.drive(t, tx, OpPay)
	require.Equal(t, StatusPaymentReceived, tx.Status)
	require.NotNil(t, tx.Payment)
	require.True(t, tx.Payment.Amount.Equal(dec("1025")))
	require.Len(t, pendingOfType(h.ledger, notification.TypePaymentProcessed), 1)

	tx = h.drive(t, tx, OpShip)
	require.Equal(t, StatusItemShipped, tx.Status)
	require.Equal(t, "TRK-42", tx.Shipping.TrackingNumber)

	h.advance(24 * time.Hour)
	delivered := h.clock()
	tx = h.drive(t, tx, OpDeliver)
	require.Equal(t, StatusInspectionPeriod, tx.Status)
	require.Equal(t, delivered.AddDate(0, 0, 3), *tx.Timestamps.InspectionEndsAt)

	tx = h.drive(t, tx, OpApprove)
	require.Equal(t, StatusBuyerApproved, tx.Status)
	require.Nil(t, tx.Timestamps.CompletedAt)

	tx = h.drive(t, tx, OpSellerApprove)
	require.Equal(t, StatusFundsReleased, tx.Status)
	require.NotNil(t, tx.Timestamps.CompletedAt)
	require.Len(t, pendingOfType(h.ledger, notification.TypeFundsReleased), 1)

	require.Len(t, tx.Messages, 7)
	require.Equal(t, int64(7), tx.Version)
	for i, m := range tx.Messages {
		require.Equal(t, i+1, m.Seq)
	}
	require.Empty(t, AllowedOperations(tx.Status))

	fee, total := ComputeFee(tx.Price, tx.FeeRate, tx.Currency)
	require.True(t, fee.Equal(tx.EscrowFee))
	require.True(t, total.Equal(tx.Total))
}

func TestShipBeforePaymentIsRejected(t *testing.T) {
	h := newHarness(t)
	tx := h.drive(t, h.create(t, "1000"), OpAccept)

	_, err := h.apply(context.Background(), tx, "seller", OpShip)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "payment must be received before shipping", te.Rule)
	require.Equal(t, []Operation{OpPay, OpDispute, OpCancel}, te.Allowed)

	after := h.load(t, tx.ID)
	require.Equal(t, StatusPendingPayment, after.Status)
	require.Equal(t, tx.Version, after.Version)
	require.Len(t, after.Messages, len(tx.Messages))
	require.Nil(t, after.Timestamps.ShippedAt)
}

func TestCheckOrder(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, "1000")
	ctx := context.Background()

	// an outsider attempting an illegal operation sees the transition error first
	_, err := h.apply(ctx, tx, "outsider", OpShip)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.apply(ctx, tx, "buyer", OpAccept)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.apply(ctx, tx, "outsider", OpCancel)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.apply(ctx, tx, "ghost", OpCancel)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.Apply(ctx, ApplyRequest{TransactionID: "ESC-missing", ActorID: "buyer", Operation: OpAccept})
	require.ErrorIs(t, err, ErrNotFound)

	tx = h.drive(t, tx, OpAccept)
	_, err = h.svc.Apply(ctx, ApplyRequest{
		TransactionID: tx.ID,
		ActorID:       "buyer",
		Operation:     OpPay,
		Payload:       Payload{Payment: &PaymentPayload{Method: PaymentCreditCard, Amount: dec("1000")}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Apply(ctx, ApplyRequest{
		TransactionID: tx.ID,
		ActorID:       "buyer",
		Operation:     OpPay,
		Payload:       Payload{Payment: &PaymentPayload{Method: "cash", Amount: tx.Total}},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, StatusPendingPayment, h.load(t, tx.ID).Status)
}

func TestApprovalOrders(t *testing.T) {
	t.Run("seller first", func(t *testing.T) {
		h := newHarness(t)
		tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay, OpShip, OpDeliver)

		tx = h.drive(t, tx, OpSellerApprove)
		require.Equal(t, StatusInspectionPeriod, tx.Status)
		require.NotNil(t, tx.Timestamps.SellerApprovedAt)
		require.Equal(t, []Operation{OpApprove, OpSellerApprove, OpDispute}, AllowedOperations(tx.Status))

		tx = h.drive(t, tx, OpApprove)
		require.Equal(t, StatusFundsReleased, tx.Status)
		require.NotNil(t, tx.Timestamps.BuyerApprovedAt)
		require.NotNil(t, tx.Timestamps.CompletedAt)
	})

	t.Run("repeats are idempotent", func(t *testing.T) {
		h := newHarness(t)
		tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay, OpShip, OpDeliver, OpApprove)
		again := h.drive(t, tx, OpApprove)
		require.Equal(t, tx.Version, again.Version)
		require.Len(t, again.Messages, len(tx.Messages))
		require.Equal(t, *tx.Timestamps.BuyerApprovedAt, *again.Timestamps.BuyerApprovedAt)

		h2 := newHarness(t)
		tx = h2.drive(t, h2.create(t, "1000"), OpAccept, OpPay, OpShip, OpDeliver, OpSellerApprove)
		again = h2.drive(t, tx, OpSellerApprove)
		require.Equal(t, tx.Version, again.Version)
		require.Equal(t, StatusInspectionPeriod, again.Status)
	})
}

func TestDualApprovalAboveThreshold(t *testing.T) {
	h := newHarness(t)
	tx := h.drive(t, h.create(t, "60000"), OpAccept, OpPay, OpShip, OpDeliver)

	tx = h.drive(t, tx, OpApprove)
	pending := pendingOfType(h.ledger, notification.TypeDualApprovalRequired)
	require.Len(t, pending, 1)
	require.Equal(t, tx.ID, pending[0].Context.DualApproval.TransactionID)
	require.Equal(t, []string{"buyer"}, pending[0].Context.DualApproval.Approvers)
	require.NotNil(t, pending[0].Deadline)

	tx = h.drive(t, tx, OpSellerApprove)
	require.Equal(t, StatusFundsReleased, tx.Status)
	require.Len(t, pendingOfType(h.ledger, notification.TypeDualApprovalRequired), 2)
}

func TestApproveDeniedWhenKYCLapsed(t *testing.T) {
	h := newHarness(t)
	tx := h.drive(t, h.create(t, "20000"), OpAccept, OpPay, OpShip, OpDeliver)
	h.ids.set("buyer", compliance.Flags{IdentityVerified: true, Role: compliance.RoleUser})

	_, err := h.apply(context.Background(), tx, "buyer", OpApprove)
	var ce *ComplianceError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, compliance.KYCDocuments, ce.Missing)

	after := h.load(t, tx.ID)
	require.Equal(t, StatusInspectionPeriod, after.Status)
	require.Nil(t, after.Timestamps.BuyerApprovedAt)
	require.Len(t, h.sent.ofType(notification.TypeKYCVerificationRequired), 1)
}

func TestDisputes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay)

	rec, err := h.svc.RaiseDispute(ctx, tx.ID, "buyer", "  item not as described ", "")
	require.NoError(t, err)
	require.Equal(t, "item not as described", rec.Reason)
	require.Equal(t, dispute.StatusOpen, rec.Status)
	require.Len(t, pendingOfType(h.ledger, notification.TypeDisputeCreated), 1)

	_, err = h.svc.RaiseDispute(ctx, tx.ID, "seller", "buyer is lying", "")
	require.ErrorIs(t, err, ErrDuplicateDispute)

	stored := h.load(t, tx.ID)
	require.Equal(t, StatusDisputed, stored.Status)
	require.Equal(t, "buyer", stored.Dispute.RaisedBy)
	require.Equal(t, rec.ID, stored.Dispute.ID)

	_, err = h.svc.ListDisputes(ctx, "buyer", "")
	require.ErrorIs(t, err, ErrForbidden)
	queue, err := h.svc.ListDisputes(ctx, "advisor", "")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	_, err = h.svc.ReviewDispute(ctx, tx.ID, "advisor")
	require.ErrorIs(t, err, ErrForbidden)
	rec, err = h.svc.ReviewDispute(ctx, tx.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, dispute.StatusUnderReview, rec.Status)

	_, err = h.svc.ResolveDispute(ctx, tx.ID, "admin", " ", dispute.StatusResolved)
	require.ErrorIs(t, err, ErrValidation)
	rec, err = h.svc.ResolveDispute(ctx, tx.ID, "admin", "refund the buyer", dispute.StatusResolved)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusResolved, rec.Status)
	require.NotNil(t, rec.ResolvedAt)

	_, err = h.svc.ResolveDispute(ctx, tx.ID, "admin", "again", dispute.StatusClosed)
	require.ErrorIs(t, err, dispute.ErrBadStatus)

	queue, err = h.svc.ListDisputes(ctx, "admin", "")
	require.NoError(t, err)
	require.Empty(t, queue)
	resolved, err := h.svc.ListDisputes(ctx, "admin", dispute.StatusResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	require.Equal(t, StatusDisputed, h.load(t, tx.ID).Status)
}

func TestGetDisputeVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay)
	rec, err := h.svc.RaiseDispute(ctx, tx.ID, "buyer", "late", "")
	require.NoError(t, err)

	for _, actor := range []string{"buyer", "seller", "admin", "advisor"} {
		got, err := h.svc.GetDispute(ctx, rec.ID, actor)
		require.NoError(t, err, actor)
		require.Equal(t, tx.ID, got.TransactionID)
	}

	_, err = h.svc.GetDispute(ctx, rec.ID, "outsider")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.GetDispute(ctx, "DSP-missing", "admin")
	require.ErrorIs(t, err, dispute.ErrNotFound)
}

func TestDisputeNeedsReasonAndActiveStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "1000")

	_, err := h.svc.RaiseDispute(ctx, tx.ID, "buyer", "late", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	tx = h.drive(t, tx, OpAccept)
	_, err = h.svc.RaiseDispute(ctx, tx.ID, "seller", "   ", "")
	require.ErrorIs(t, err, ErrValidation)
	require.Nil(t, h.load(t, tx.ID).Dispute)
}

// Every operation outside AllowedOperations leaves the stored aggregate untouched.
func TestIllegalOperationsChangeNothing(t *testing.T) {
	paths := map[string][]Operation{
		"pending_agreement": nil,
		"pending_payment":   {OpAccept},
		"payment_received":  {OpAccept, OpPay},
		"item_shipped":      {OpAccept, OpPay, OpShip},
		"inspection_period": {OpAccept, OpPay, OpShip, OpDeliver},
		"seller_approved":   {OpAccept, OpPay, OpShip, OpDeliver, OpSellerApprove},
		"buyer_approved":    {OpAccept, OpPay, OpShip, OpDeliver, OpApprove},
		"funds_released":    {OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpSellerApprove},
		"cancelled":         {OpAccept, OpCancel},
		"disputed":          {OpAccept, OpPay, OpShip, OpDispute},
		"approved_disputed": {OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpDispute},
	}
	all := []Operation{OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpSellerApprove, OpDispute, OpCancel}

	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			tx := h.drive(t, h.create(t, "1000"), path...)
			allowed := make(map[Operation]bool)
			for _, op := range AllowedOperations(tx.Status) {
				allowed[op] = true
			}

			for _, op := range all {
				if allowed[op] {
					continue
				}
				for _, actor := range []string{"buyer", "seller"} {
					before := h.load(t, tx.ID)
					_, err := h.apply(context.Background(), before, actor, op)
					switch {
					case repeatedApproval(before, op, actor):
						require.NoError(t, err)
					case op == OpDispute && before.Status == StatusDisputed:
						require.ErrorIs(t, err, ErrDuplicateDispute, "%s by %s in %s", op, actor, before.Status)
					default:
						require.ErrorIs(t, err, ErrInvalidTransition, "%s by %s in %s", op, actor, before.Status)
					}
					after := h.load(t, tx.ID)
					require.Equal(t, before.Status, after.Status)
					require.Equal(t, before.Version, after.Version)
					require.Equal(t, before.Timestamps, after.Timestamps)
					require.Len(t, after.Messages, len(before.Messages))
				}
			}
		})
	}
}

func TestRepeatApprovalAfterDisputeIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpDispute)
	require.Equal(t, StatusDisputed, tx.Status)

	_, err := h.apply(ctx, tx, "buyer", OpApprove)
	require.ErrorIs(t, err, ErrInvalidTransition)

	after := h.load(t, tx.ID)
	require.Equal(t, StatusDisputed, after.Status)
	require.Equal(t, tx.Version, after.Version)
}

func TestRepeatSellerApprovalAfterReleaseIsIgnored(t *testing.T) {
	h := newHarness(t)
	tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpSellerApprove)
	require.Equal(t, StatusFundsReleased, tx.Status)

	got, err := h.apply(context.Background(), tx, "seller", OpSellerApprove)
	require.NoError(t, err)
	require.Equal(t, tx.Version, got.Version)
}

func TestOutsiderDisputeIsForbiddenEvenWhenDisputed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.drive(t, h.create(t, "1000"), OpAccept, OpPay)

	_, err := h.apply(ctx, tx, "outsider", OpDispute)
	require.ErrorIs(t, err, ErrForbidden)

	tx = h.drive(t, tx, OpDispute)
	_, err = h.apply(ctx, tx, "outsider", OpDispute)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.apply(ctx, tx, "seller", OpDispute)
	require.ErrorIs(t, err, ErrDuplicateDispute)
}

func TestConcurrentPaymentsCommitOnce(t *testing.T) {
	h := newHarness(t)
	tx := h.drive(t, h.create(t, "1000"), OpAccept)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.apply(context.Background(), tx, "buyer", OpPay)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInvalidTransition):
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, workers-1, rejected)
	require.Equal(t, 0, h.svc.locks.size())
	require.Len(t, pendingOfType(h.ledger, notification.TypePaymentProcessed), 1)
}

func TestStaleSaveConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "1000")

	first := h.load(t, tx.ID)
	second := h.load(t, tx.ID)

	first.Status = StatusPendingPayment
	_, err := h.store.Save(ctx, first)
	require.NoError(t, err)

	second.Status = StatusCancelled
	_, err = h.store.Save(ctx, second)
	require.ErrorIs(t, err, ErrConflict)

	snapshot := h.load(t, tx.ID)
	_, err = h.svc.AddMessage(ctx, tx.ID, "buyer", "is it still available?", nil, false)
	require.NoError(t, err)
	_, err = h.store.Save(ctx, snapshot)
	require.ErrorIs(t, err, ErrConflict)

	_, err = h.store.Save(ctx, Transaction{ID: "ESC-missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, "1000")

	msg, err := h.svc.AddMessage(ctx, tx.ID, "buyer", " photos attached ", []string{"a.jpg"}, false)
	require.NoError(t, err)
	require.Equal(t, 2, msg.Seq)
	require.Equal(t, "photos attached", msg.Text)

	_, err = h.svc.AddMessage(ctx, tx.ID, "admin", "seller flagged for review", nil, true)
	require.NoError(t, err)

	_, err = h.svc.AddMessage(ctx, tx.ID, "buyer", "secret", nil, true)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.AddMessage(ctx, tx.ID, "outsider", "hello", nil, false)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.AddMessage(ctx, tx.ID, "buyer", "  ", nil, false)
	require.ErrorIs(t, err, ErrValidation)

	forBuyer, err := h.svc.Messages(ctx, tx.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, forBuyer, 2)

	forAdmin, err := h.svc.Messages(ctx, tx.ID, "admin")
	require.NoError(t, err)
	require.Len(t, forAdmin, 3)
	require.True(t, forAdmin[2].Internal)

	_, err = h.svc.Get(ctx, tx.ID, "outsider")
	require.ErrorIs(t, err, ErrForbidden)

	// transitions keep numbering after appended messages
	tx = h.drive(t, h.load(t, tx.ID), OpAccept)
	require.Equal(t, 4, tx.Messages[len(tx.Messages)-1].Seq)
}

func TestListAndStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "1000")
	h.drive(t, h.create(t, "2000"), OpAccept)

	_, err := h.svc.Create(ctx, CreateParams{
		BuyerID: "outsider", SellerID: "seller",
		Item:  Item{Title: "Ring", Category: CategoryJewelry, Condition: ConditionNew},
		Price: dec("500"), Currency: CurrencyUSD, DeliveryMethod: DeliveryShipping,
	})
	require.NoError(t, err)

	res, err := h.svc.List(ctx, "buyer", ListFilters{PartyID: "outsider"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	for _, item := range res.Items {
		require.Equal(t, "buyer", item.BuyerID)
		require.Nil(t, item.Messages)
	}

	res, err = h.svc.List(ctx, "seller", ListFilters{Status: StatusPendingAgreement, PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Items, 1)

	res, err = h.svc.List(ctx, "admin", ListFilters{Category: CategoryJewelry})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)

	_, err = h.svc.List(ctx, "buyer", ListFilters{Status: "lost"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Stats(ctx, "buyer")
	require.ErrorIs(t, err, ErrForbidden)
	st, err := h.svc.Stats(ctx, "advisor")
	require.NoError(t, err)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 2, st.ByStatus[StatusPendingAgreement])
	require.Equal(t, 2, st.ByCategory[CategoryMachinery])
	require.True(t, st.Value[CurrencyMXN].Equal(dec("3000")))
	require.True(t, st.Fees[CurrencyMXN].Equal(dec("75")))
	require.True(t, st.Fees[CurrencyUSD].Equal(dec("12.5")))

	got, err := h.svc.Get(ctx, a.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
}
