package dispute

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Record mirrors the escrow_disputes table.
type Record struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	RaisedBy      string     `json:"raised_by"`
	Reason        string     `json:"reason"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Open starts a dispute in the open state.
func Open(id, transactionID, raisedBy, reason, description string, at time.Time) Record {
	return Record{
		ID:            id,
		TransactionID: transactionID,
		RaisedBy:      raisedBy,
		Reason:        reason,
		Description:   description,
		Status:        StatusOpen,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Active reports whether the dispute still awaits a decision.
func (r Record) Active() bool {
	return r.Status == StatusOpen || r.Status == StatusUnderReview
}

// Review moves an open dispute under review.
func (r *Record) Review(reviewer string, at time.Time) error {
	if r.Status != StatusOpen {
		return ErrBadStatus
	}
	r.Status = StatusUnderReview
	r.ReviewedBy = reviewer
	r.UpdatedAt = at
	return nil
}

// Resolve closes an active dispute with outcome resolved or closed.
func (r *Record) Resolve(resolver, resolution string, outcome Status, at time.Time) error {
	if !r.Active() {
		return ErrBadStatus
	}
	if outcome != StatusResolved && outcome != StatusClosed {
		return ErrBadStatus
	}
	r.Status = outcome
	r.ResolvedBy = resolver
	r.Resolution = resolution
	r.UpdatedAt = at
	resolvedAt := at
	r.ResolvedAt = &resolvedAt
	return nil
}
