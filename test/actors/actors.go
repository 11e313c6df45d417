package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/test/chaos"
)

// Parties are the seeded users every actor plays.
type Parties struct {
	Buyer      string
	Seller     string
	Supervisor string
	Admin      string
}

// Book is the shared pool of transaction ids the actors fight over.
type Book struct {
	mu  sync.Mutex
	ids []string
}

func (b *Book) Add(id string) {
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

// Pick favours recent transactions so most contention lands on live ones.
func (b *Book) Pick(r *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	window := len(b.ids)
	if window > 16 {
		window = 16
	}
	return b.ids[len(b.ids)-1-r.Intn(window)], true
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// expected reports outcomes that are legitimate when several actors race on
// one transaction.
func expected(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrConflict),
		errors.Is(err, escrow.ErrDuplicateDispute),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrBadStatus):
		return true
	}
	return chaos.Transient(err)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(r *rand.Rand) {
	time.Sleep(time.Duration(5+r.Intn(20)) * time.Millisecond)
}

var prices = []string{"850", "14999.99", "72000"}

// Creator keeps opening new transactions between the seeded parties. Every
// third one crosses the dual approval threshold and names a supervisor.
func Creator(ctx context.Context, svc *escrow.Service, p Parties, book *Book, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		params := escrow.CreateParams{
			BuyerID:  p.Buyer,
			SellerID: p.Seller,
			Item: escrow.Item{
				Title:     fmt.Sprintf("Stress lot %d", n),
				Category:  escrow.CategoryMachinery,
				Condition: escrow.ConditionGood,
			},
			Price:          decimal.RequireFromString(prices[r.Intn(len(prices))]),
			Currency:       escrow.CurrencyMXN,
			DeliveryMethod: escrow.DeliveryPickup,
		}
		if n%3 == 0 {
			params.SupervisorID = p.Supervisor
		}
		tx, err := svc.Create(ctx, params)
		if err != nil {
			if chaos.Transient(err) {
				continue
			}
			return fmt.Errorf("creator: %w", err)
		}
		book.Add(tx.ID)
		time.Sleep(time.Duration(40+r.Intn(60)) * time.Millisecond)
	}
}

// Operator applies random operations as the party the rules expect, so the only
// failures it sees come from losing a race.
func Operator(ctx context.Context, svc *escrow.Service, p Parties, book *Book, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	ops := []escrow.Operation{
		escrow.OpAccept, escrow.OpPay, escrow.OpShip, escrow.OpDeliver,
		escrow.OpApprove, escrow.OpSellerApprove, escrow.OpDispute, escrow.OpCancel,
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := book.Pick(r)
		if !ok {
			pause(r)
			continue
		}
		cur, err := svc.Get(ctx, id, p.Buyer)
		if err != nil {
			if expected(err) {
				continue
			}
			return fmt.Errorf("operator get %s: %w", id, err)
		}

		op := ops[r.Intn(len(ops))]
		// Disputes and cancels end the lifecycle early; keep them rare.
		if (op == escrow.OpDispute || op == escrow.OpCancel) && r.Intn(6) != 0 {
			if allowed := escrow.AllowedOperations(cur.Status); len(allowed) > 0 {
				op = allowed[0]
			}
		}
		req := escrow.ApplyRequest{TransactionID: id, ActorID: actorFor(op, p, r), Operation: op}
		switch op {
		case escrow.OpPay:
			req.Payload.Payment = &escrow.PaymentPayload{
				Method: escrow.PaymentWireTransfer, Amount: cur.Total, Currency: cur.Currency, Reference: "STRESS",
			}
		case escrow.OpShip:
			req.Payload.Shipping = &escrow.Shipping{TrackingNumber: fmt.Sprintf("TRK-%d", r.Intn(1e6)), Carrier: "Estafeta"}
		case escrow.OpDispute:
			req.Payload.Dispute = &escrow.DisputePayload{Reason: "damaged in transit", Description: "stress"}
		}
		if _, err := svc.Apply(ctx, req); !expected(err) {
			return fmt.Errorf("operator %s on %s: %w", op, id, err)
		}
		pause(r)
	}
}

func actorFor(op escrow.Operation, p Parties, r *rand.Rand) string {
	switch op {
	case escrow.OpAccept, escrow.OpShip, escrow.OpSellerApprove:
		return p.Seller
	case escrow.OpDispute, escrow.OpCancel:
		if r.Intn(2) == 0 {
			return p.Seller
		}
	}
	return p.Buyer
}

// Messenger appends chat messages from both parties while transitions commit.
func Messenger(ctx context.Context, svc *escrow.Service, p Parties, book *Book, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, ok := book.Pick(r)
		if !ok {
			pause(r)
			continue
		}
		sender := p.Buyer
		if n%2 == 1 {
			sender = p.Seller
		}
		_, err := svc.AddMessage(ctx, id, sender, fmt.Sprintf("ping %d", n), nil, false)
		if !expected(err) {
			return fmt.Errorf("messenger on %s: %w", id, err)
		}
		pause(r)
	}
}

// Arbiter works the dispute queue as the admin.
func Arbiter(ctx context.Context, svc *escrow.Service, p Parties, seed int64, stop <-chan struct{}) error {
	r := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		queue, err := svc.ListDisputes(ctx, p.Admin, "")
		if err != nil {
			if chaos.Transient(err) {
				continue
			}
			return fmt.Errorf("arbiter queue: %w", err)
		}
		for _, rec := range queue {
			if rec.Status == dispute.StatusOpen {
				_, err = svc.ReviewDispute(ctx, rec.TransactionID, p.Admin)
			} else {
				outcome := dispute.StatusResolved
				if r.Intn(3) == 0 {
					outcome = dispute.StatusClosed
				}
				_, err = svc.ResolveDispute(ctx, rec.TransactionID, p.Admin, "refund half", outcome)
			}
			if !expected(err) {
				return fmt.Errorf("arbiter on %s: %w", rec.TransactionID, err)
			}
		}
		time.Sleep(time.Duration(100+r.Intn(100)) * time.Millisecond)
	}
}

// Sweeper runs the background sweep with a skewed clock so inspection windows
// lapse while buyers are still deciding.
func Sweeper(ctx context.Context, svc *escrow.Service, policy escrow.InspectionPolicy, skew time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := svc.Sweep(ctx, time.Now().Add(skew), policy); err != nil && !chaos.Transient(err) {
				return fmt.Errorf("sweeper: %w", err)
			}
		}
	}
}
