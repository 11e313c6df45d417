// Package notification tracks critical notifications that need a human decision,
// their confirmation deadlines and their resolution, and delivers them over the
// configured channels.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("notification: not found")
	ErrReasonRequired = errors.New("notification: rejection reason required")
	ErrInvalidContext = errors.New("notification: invalid context")
	ErrIDExhausted    = errors.New("notification: no free id")
)

type Type string

const (
	TypeCriticalChange          Type = "critical_change"
	TypeStatusChange            Type = "transaction_status_change"
	TypePaymentProcessed        Type = "payment_processed"
	TypeFundsReleased           Type = "funds_released"
	TypeDisputeCreated          Type = "dispute_created"
	TypeDocumentRequiresReview  Type = "document_requires_review"
	TypeKYCVerificationRequired Type = "kyc_verification_required"
	TypeDualApprovalRequired    Type = "dual_approval_required"
)

// Valid reports whether t belongs to the closed taxonomy.
func (t Type) Valid() bool {
	switch t {
	case TypeCriticalChange, TypeStatusChange, TypePaymentProcessed, TypeFundsReleased,
		TypeDisputeCreated, TypeDocumentRequiresReview, TypeKYCVerificationRequired, TypeDualApprovalRequired:
		return true
	}
	return false
}

type Status string

const (
	StatusPending       Status = "pending"
	StatusConfirmed     Status = "confirmed"
	StatusRejected      Status = "rejected"
	StatusExpired       Status = "expired"
	StatusInformational Status = "informational"
)

type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelPush      Channel = "push"
	ChannelWebsocket Channel = "websocket"
)

// ChannelsFor returns the delivery channels for a notification type. Email, push and
// websocket are always used; SMS only for the most urgent types.
func ChannelsFor(t Type) []Channel {
	channels := []Channel{ChannelEmail}
	switch t {
	case TypeDisputeCreated, TypeFundsReleased, TypeCriticalChange:
		channels = append(channels, ChannelSMS)
	}
	return append(channels, ChannelPush, ChannelWebsocket)
}

// ContextVersion is the schema version stamped on every Context.
const ContextVersion = 1

// Context is the structured payload attached to a notification. Exactly the
// section matching the notification type is populated.
type Context struct {
	Version      int                  `json:"version"`
	Transaction  *TransactionContext  `json:"transaction,omitempty"`
	Dispute      *DisputeContext      `json:"dispute,omitempty"`
	KYC          *KYCContext          `json:"kyc,omitempty"`
	DualApproval *DualApprovalContext `json:"dual_approval,omitempty"`
	Document     *DocumentContext     `json:"document,omitempty"`
	Escalation   *EscalationContext   `json:"escalation,omitempty"`
}

type TransactionContext struct {
	TransactionID string          `json:"transaction_id"`
	FromStatus    string          `json:"from_status"`
	ToStatus      string          `json:"to_status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ActorID       string          `json:"actor_id"`
}

type DisputeContext struct {
	TransactionID string `json:"transaction_id"`
	DisputeID     string `json:"dispute_id"`
	RaisedBy      string `json:"raised_by"`
	Reason        string `json:"reason"`
}

type KYCContext struct {
	UserID    string   `json:"user_id"`
	Operation string   `json:"operation"`
	Missing   []string `json:"missing"`
}

type DualApprovalContext struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Approvers     []string        `json:"approvers"`
}

type DocumentContext struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	Kind       string `json:"kind"`
}

type EscalationContext struct {
	NotificationID string    `json:"notification_id"`
	Type           Type      `json:"type"`
	Deadline       time.Time `json:"deadline"`
}

// Validate checks that the context carries the section required by t.
func (c Context) Validate(t Type) error {
	if c.Version != ContextVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidContext, c.Version)
	}
	var ok bool
	switch t {
	case TypeStatusChange, TypePaymentProcessed, TypeFundsReleased:
		ok = c.Transaction != nil && c.Transaction.TransactionID != ""
	case TypeDisputeCreated:
		ok = c.Dispute != nil && c.Dispute.TransactionID != ""
	case TypeKYCVerificationRequired:
		ok = c.KYC != nil && c.KYC.UserID != "" && len(c.KYC.Missing) > 0
	case TypeDualApprovalRequired:
		ok = c.DualApproval != nil && c.DualApproval.TransactionID != ""
	case TypeDocumentRequiresReview:
		ok = c.Document != nil && c.Document.DocumentID != ""
	case TypeCriticalChange:
		ok = c.Escalation != nil || c.Transaction != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContext, t)
	}
	if !ok {
		return fmt.Errorf("%w: missing %s section", ErrInvalidContext, t)
	}
	return nil
}

// Notification is a snapshot of a ledger entry.
type Notification struct {
	ID                   string     `json:"id"`
	Type                 Type       `json:"type"`
	Title                string     `json:"title"`
	Message              string     `json:"message"`
	Context              Context    `json:"context"`
	Recipients           []string   `json:"recipients"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	Status               Status     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Overdue reports whether a pending notification has passed its deadline at now.
func (n Notification) Overdue(now time.Time) bool {
	return n.Status == StatusPending && n.Deadline != nil && now.After(*n.Deadline)
}

// Resolution is the audit record retained once a notification leaves the pending set.
type Resolution struct {
	Notification Notification `json:"notification"`
	Status       Status       `json:"status"`
	ResolvedBy   string       `json:"resolved_by"`
	Notes        string       `json:"notes,omitempty"`
	ResolvedAt   time.Time    `json:"resolved_at"`
}

// CreateParams is the input to Ledger.Create.
type CreateParams struct {
	Type                 Type
	Title                string
	Message              string
	Context              Context
	Recipients           []string
	RequiresConfirmation bool
	Deadline             *time.Time
}

func cloneNotification(n Notification) Notification {
	out := n
	out.Recipients = append([]string(nil), n.Recipients...)
	if n.Deadline != nil {
		d := *n.Deadline
		out.Deadline = &d
	}
	return out
}
