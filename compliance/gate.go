// Package compliance decides whether an escrow operation may proceed given the
// actor's verification status and the amount at stake.
package compliance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Operation names the escrow operation under evaluation.
type Operation string

const (
	OpCreate        Operation = "create"
	OpCounterparty  Operation = "counterparty"
	OpAccept        Operation = "accept"
	OpPay           Operation = "pay"
	OpShip          Operation = "ship"
	OpDeliver       Operation = "deliver"
	OpApprove       Operation = "approve"
	OpSellerApprove Operation = "seller_approve"
	OpDispute       Operation = "dispute"
	OpCancel        Operation = "cancel"
)

// Roles carried on Flags.
const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleAdvisor = "advisor"
)

// Documents listed when verification is missing.
var (
	IdentityDocuments = []string{"INE", "CURP", "RFC", "Proof of Address"}
	KYCDocuments      = []string{"Bank Statement", "Proof of Income"}
)

// Flags are the verification facts an identity provider holds for an actor.
type Flags struct {
	IdentityVerified bool
	KYCVerified      bool
	Role             string
}

// Subject is the monetary context of the operation.
type Subject struct {
	Amount   decimal.Decimal
	Currency string
}

// Decision is the gate's verdict. A denied decision always carries a Reason and
// the documents that would satisfy it.
type Decision struct {
	Allowed              bool
	RequiresConfirmation bool
	Reason               string
	Missing              []string
}

// Gate holds the thresholds used by Evaluate.
type Gate struct {
	KYCThreshold          decimal.Decimal
	DualApprovalThreshold decimal.Decimal
}

// NewGate constructs a gate with the supplied thresholds.
func NewGate(kycThreshold, dualApprovalThreshold decimal.Decimal) Gate {
	return Gate{KYCThreshold: kycThreshold, DualApprovalThreshold: dualApprovalThreshold}
}

// RequiresKYC reports whether op moves or commits money and therefore needs identity checks.
func RequiresKYC(op Operation) bool {
	switch op {
	case OpCreate, OpPay, OpApprove, OpSellerApprove:
		return true
	}
	return false
}

// RequiresDualApproval reports whether op releases funds.
func RequiresDualApproval(op Operation) bool {
	return op == OpApprove || op == OpSellerApprove
}

// Evaluate is deterministic and has no side effects.
func (g Gate) Evaluate(op Operation, flags Flags, subject Subject) Decision {
	switch {
	case op == OpCounterparty:
		if !flags.IdentityVerified {
			return deny("counterparty identity verification is required", IdentityDocuments)
		}
		return Decision{Allowed: true}
	case !RequiresKYC(op):
		return Decision{Allowed: true}
	}

	above := subject.Amount.GreaterThan(g.KYCThreshold)
	var missing []string
	if !flags.IdentityVerified {
		missing = append(missing, IdentityDocuments...)
	}
	if above && !flags.KYCVerified {
		missing = append(missing, KYCDocuments...)
	}
	if len(missing) > 0 {
		reason := "identity verification is required"
		if flags.IdentityVerified {
			reason = fmt.Sprintf("full KYC verification is required for amounts above %s %s",
				g.KYCThreshold.StringFixed(2), subject.Currency)
		}
		return deny(reason, missing)
	}

	d := Decision{Allowed: true}
	if RequiresDualApproval(op) && subject.Amount.GreaterThan(g.DualApprovalThreshold) {
		d.RequiresConfirmation = true
		d.Reason = fmt.Sprintf("release above %s %s requires confirmation from both parties",
			g.DualApprovalThreshold.StringFixed(2), subject.Currency)
	}
	return d
}

func deny(reason string, missing []string) Decision {
	out := make([]string, len(missing))
	copy(out, missing)
	return Decision{Reason: reason, Missing: out}
}
