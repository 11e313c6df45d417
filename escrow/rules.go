package escrow

import "fmt"

type party int

const (
	partyBuyer party = iota + 1
	partySeller
	partyEither
)

type rule struct {
	from    []Status
	actor   party
	message string
}

var activeStatuses = []Status{
	StatusPendingPayment,
	StatusPaymentReceived,
	StatusItemShipped,
	StatusInspectionPeriod,
	StatusBuyerApproved,
}

// rules is the legal transition table keyed by operation.
var rules = map[Operation]rule{
	OpAccept: {
		from:    []Status{StatusPendingAgreement},
		actor:   partySeller,
		message: "transaction is not pending agreement",
	},
	OpPay: {
		from:    []Status{StatusPendingPayment},
		actor:   partyBuyer,
		message: "transaction is not pending payment",
	},
	OpShip: {
		from:    []Status{StatusPaymentReceived},
		actor:   partySeller,
		message: "payment must be received before shipping",
	},
	OpDeliver: {
		from:    []Status{StatusItemShipped},
		actor:   partyBuyer,
		message: "item must be shipped before delivery confirmation",
	},
	OpApprove: {
		from:    []Status{StatusInspectionPeriod},
		actor:   partyBuyer,
		message: "transaction must be in inspection period",
	},
	OpSellerApprove: {
		from:    []Status{StatusInspectionPeriod, StatusBuyerApproved},
		actor:   partySeller,
		message: "item must be delivered before seller approval",
	},
	OpDispute: {
		from:    activeStatuses,
		actor:   partyEither,
		message: "disputes can only be raised after the agreement is accepted",
	},
	OpCancel: {
		from:    []Status{StatusPendingAgreement, StatusPendingPayment},
		actor:   partyEither,
		message: "transaction can only be cancelled before payment",
	},
}

var operationOrder = []Operation{OpAccept, OpPay, OpShip, OpDeliver, OpApprove, OpSellerApprove, OpDispute, OpCancel}

// AllowedOperations returns the operations legal in s.
func AllowedOperations(s Status) []Operation {
	if s.Terminal() {
		return nil
	}
	var out []Operation
	for _, op := range operationOrder {
		if rules[op].allows(s) {
			out = append(out, op)
		}
	}
	return out
}

func (r rule) allows(s Status) bool {
	for _, from := range r.from {
		if from == s {
			return true
		}
	}
	return false
}

// checkTransition returns a *TransitionError when op is not legal for t's status.
func checkTransition(t Transaction, op Operation) error {
	r, ok := rules[op]
	if !ok {
		return validationf("unknown operation %q", op)
	}
	if t.Status.Terminal() {
		return &TransitionError{
			Operation: op,
			Status:    t.Status,
			Rule:      fmt.Sprintf("transaction is %s and accepts no further operations", t.Status),
		}
	}
	if !r.allows(t.Status) {
		return &TransitionError{Operation: op, Status: t.Status, Rule: r.message, Allowed: AllowedOperations(t.Status)}
	}
	return nil
}

// checkActor returns ErrForbidden when actorID does not hold the role op requires.
func checkActor(t Transaction, op Operation, actorID string) error {
	switch rules[op].actor {
	case partyBuyer:
		if actorID != t.BuyerID {
			return forbiddenf("only the buyer can %s", op)
		}
	case partySeller:
		if actorID != t.SellerID {
			return forbiddenf("only the seller can %s", op)
		}
	case partyEither:
		if !t.IsParty(actorID) {
			return forbiddenf("only the buyer or seller can %s", op)
		}
	}
	return nil
}
