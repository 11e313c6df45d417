package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/compliance"
)

// InspectionPolicy decides what happens when an inspection window lapses without
// a buyer decision.
type InspectionPolicy string

const (
	InspectionPolicyNone        InspectionPolicy = "none"
	InspectionPolicyAutoApprove InspectionPolicy = "auto_approve"
	InspectionPolicyAutoDispute InspectionPolicy = "auto_dispute"
)

// InspectionExpiredReason is the dispute reason used by the auto_dispute policy.
const InspectionExpiredReason = "inspection_expired"

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired      int
	AutoApproved int
	AutoDisputed int
	Conflicts    int
}

// Sweep expires stale unpaid transactions and applies policy to transactions
// whose inspection window has closed.
func (s *Service) Sweep(ctx context.Context, now time.Time, policy InspectionPolicy) (SweepResult, error) {
	var res SweepResult

	stale, err := s.store.ListByStatus(ctx, StatusPendingAgreement, StatusPendingPayment)
	if err != nil {
		return res, fmt.Errorf("escrow: sweep list stale: %w", err)
	}
	for _, t := range stale {
		if !now.After(t.ExpiresAt) {
			continue
		}
		s.sweepOne(ctx, t.ID, &res, func(cur Transaction) (ApplyRequest, bool) {
			if (cur.Status != StatusPendingAgreement && cur.Status != StatusPendingPayment) || !now.After(cur.ExpiresAt) {
				return ApplyRequest{}, false
			}
			return ApplyRequest{TransactionID: cur.ID, ActorID: SystemActor, Operation: opExpire}, true
		}, &res.Expired)
	}

	if policy == InspectionPolicyNone || policy == "" {
		return res, nil
	}
	inspecting, err := s.store.ListByStatus(ctx, StatusInspectionPeriod)
	if err != nil {
		return res, fmt.Errorf("escrow: sweep list inspections: %w", err)
	}
	for _, t := range inspecting {
		if !inspectionLapsed(t, now) {
			continue
		}
		counter := &res.AutoApproved
		if policy == InspectionPolicyAutoDispute {
			counter = &res.AutoDisputed
		}
		s.sweepOne(ctx, t.ID, &res, func(cur Transaction) (ApplyRequest, bool) {
			if cur.Status != StatusInspectionPeriod || !inspectionLapsed(cur, now) {
				return ApplyRequest{}, false
			}
			switch policy {
			case InspectionPolicyAutoApprove:
				if cur.Timestamps.BuyerApprovedAt != nil {
					return ApplyRequest{}, false
				}
				return ApplyRequest{TransactionID: cur.ID, ActorID: SystemActor, Operation: OpApprove}, true
			case InspectionPolicyAutoDispute:
				return ApplyRequest{
					TransactionID: cur.ID,
					ActorID:       SystemActor,
					Operation:     OpDispute,
					Payload: Payload{Dispute: &DisputePayload{
						Reason:      InspectionExpiredReason,
						Description: "Inspection period ended without a buyer decision.",
					}},
				}, true
			}
			return ApplyRequest{}, false
		}, counter)
	}
	return res, nil
}

// opExpire is applied only by the sweep.
const opExpire Operation = "expire"

func inspectionLapsed(t Transaction, now time.Time) bool {
	return t.Timestamps.InspectionEndsAt != nil && now.After(*t.Timestamps.InspectionEndsAt)
}

// sweepOne reloads the transaction under its lock, lets decide re-check eligibility
// and commits the system operation it returns.
func (s *Service) sweepOne(ctx context.Context, id string, res *SweepResult, decide func(Transaction) (ApplyRequest, bool), counter *int) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.store.Load(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep load failed", "transaction_id", id, "error", err.Error())
		return
	}
	req, ok := decide(cur)
	if !ok {
		return
	}
	if _, err := s.commit(ctx, cur, req, compliance.Decision{Allowed: true}); err != nil {
		if errors.Is(err, ErrConflict) {
			res.Conflicts++
			return
		}
		s.logger.ErrorContext(ctx, "sweep transition failed",
			"transaction_id", id, "operation", string(req.Operation), "error", err.Error())
		return
	}
	*counter++
}

// Sweeper runs Service.Sweep on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	policy   InspectionPolicy
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewSweeper(svc *Service, interval time.Duration, policy InspectionPolicy, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		policy:   policy,
		logger:   logger.With("component", "escrow_sweeper"),
		nowFn:    time.Now,
	}
}

func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := w.svc.Sweep(ctx, w.nowFn().UTC(), w.policy)
			if err != nil {
				w.logger.ErrorContext(ctx, "sweep failed", "error", err.Error())
				continue
			}
			if res != (SweepResult{}) {
				w.logger.InfoContext(ctx, "sweep applied",
					"expired", res.Expired,
					"auto_approved", res.AutoApproved,
					"auto_disputed", res.AutoDisputed,
					"conflicts", res.Conflicts)
			}
		}
	}
}
