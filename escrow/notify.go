package escrow

import (
	"context"
	"fmt"
	"strings"

	"escrowflow/compliance"
	"escrowflow/notification"
)

// afterTransition records the notifications a committed transition produces.
// Failures are logged and never undo the transition.
func (s *Service) afterTransition(ctx context.Context, t Transaction, from Status, req ApplyRequest, decision compliance.Decision) {
	if decision.RequiresConfirmation {
		s.notifyDualApproval(ctx, t, req.ActorID, decision)
	}
	if t.Status == from {
		return
	}

	units := t.Currency.MinorUnits()
	switch t.Status {
	case StatusPaymentReceived:
		s.notifyCritical(ctx, t, notification.TypePaymentProcessed,
			"Payment received",
			fmt.Sprintf("Payment of %s %s for %s is held in escrow.", t.Total.StringFixed(units), t.Currency, t.ID),
			s.transactionContext(t, from, req.ActorID))
	case StatusFundsReleased:
		s.notifyCritical(ctx, t, notification.TypeFundsReleased,
			"Funds released",
			fmt.Sprintf("Both parties approved %s; %s %s released to the seller.", t.ID, t.Price.StringFixed(units), t.Currency),
			s.transactionContext(t, from, req.ActorID))
	case StatusDisputed:
		c := notification.Context{Version: notification.ContextVersion, Dispute: &notification.DisputeContext{
			TransactionID: t.ID,
			DisputeID:     t.Dispute.ID,
			RaisedBy:      t.Dispute.RaisedBy,
			Reason:        t.Dispute.Reason,
		}}
		s.notifyCritical(ctx, t, notification.TypeDisputeCreated,
			"Dispute opened",
			fmt.Sprintf("A dispute was raised on %s: %s", t.ID, t.Dispute.Reason), c)
	default:
		s.notifyStatusChange(ctx, t, from, req.ActorID)
	}
}

func (s *Service) transactionContext(t Transaction, from Status, actorID string) notification.Context {
	return notification.Context{Version: notification.ContextVersion, Transaction: &notification.TransactionContext{
		TransactionID: t.ID,
		FromStatus:    string(from),
		ToStatus:      string(t.Status),
		Amount:        t.Total,
		Currency:      string(t.Currency),
		ActorID:       actorID,
	}}
}

func (s *Service) notifyCritical(ctx context.Context, t Transaction, typ notification.Type, title, message string, c notification.Context) {
	deadline := s.now().UTC().Add(s.opts.ConfirmationDeadline)
	s.notify(ctx, notification.CreateParams{
		Type:                 typ,
		Title:                title,
		Message:              message,
		Context:              c,
		Recipients:           t.Recipients(),
		RequiresConfirmation: true,
		Deadline:             &deadline,
	})
}

func (s *Service) notifyStatusChange(ctx context.Context, t Transaction, from Status, actorID string) {
	s.notify(ctx, notification.CreateParams{
		Type:       notification.TypeStatusChange,
		Title:      "Transaction " + strings.ReplaceAll(string(t.Status), "_", " "),
		Message:    fmt.Sprintf("Transaction %s is now %s.", t.ID, t.Status),
		Context:    s.transactionContext(t, from, actorID),
		Recipients: t.Recipients(),
	})
}

func (s *Service) notifyDualApproval(ctx context.Context, t Transaction, actorID string, decision compliance.Decision) {
	deadline := s.now().UTC().Add(s.opts.ConfirmationDeadline)
	var approvers []string
	if t.Timestamps.BuyerApprovedAt != nil {
		approvers = append(approvers, t.BuyerID)
	}
	if t.Timestamps.SellerApprovedAt != nil {
		approvers = append(approvers, t.SellerID)
	}
	s.notify(ctx, notification.CreateParams{
		Type:    notification.TypeDualApprovalRequired,
		Title:   "Dual approval required",
		Message: decision.Reason,
		Context: notification.Context{Version: notification.ContextVersion, DualApproval: &notification.DualApprovalContext{
			TransactionID: t.ID,
			Amount:        t.Total,
			Currency:      string(t.Currency),
			Approvers:     approvers,
		}},
		Recipients:           []string{t.BuyerID, t.SellerID},
		RequiresConfirmation: true,
		Deadline:             &deadline,
	})
}

func (s *Service) notifyComplianceDenied(ctx context.Context, actorID string, op compliance.Operation, decision compliance.Decision) {
	s.notify(ctx, notification.CreateParams{
		Type:    notification.TypeKYCVerificationRequired,
		Title:   "Verification required",
		Message: fmt.Sprintf("%s. Please provide: %s.", decision.Reason, strings.Join(decision.Missing, ", ")),
		Context: notification.Context{Version: notification.ContextVersion, KYC: &notification.KYCContext{
			UserID:    actorID,
			Operation: string(op),
			Missing:   append([]string(nil), decision.Missing...),
		}},
		Recipients: []string{actorID},
	})
}

func (s *Service) notify(ctx context.Context, p notification.CreateParams) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Create(ctx, p); err != nil {
		s.logger.ErrorContext(ctx, "notification not recorded", "type", string(p.Type), "error", err.Error())
	}
}
