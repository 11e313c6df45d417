// Package escrow implements the escrow transaction state machine: guarded
// transitions between lifecycle states, fee computation, party authorization and
// the compliance and notification side effects of each transition.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/dispute"
)

type Status string

const (
	StatusPendingAgreement     Status = "pending_agreement"
	StatusPendingPayment       Status = "pending_payment"
	StatusPaymentReceived      Status = "payment_received"
	StatusItemShipped          Status = "item_shipped"
	StatusInspectionPeriod     Status = "inspection_period"
	StatusBuyerApproved        Status = "buyer_approved"
	StatusFundsReleased        Status = "funds_released"
	StatusTransactionCompleted Status = "transaction_completed"
	StatusDisputed             Status = "disputed"
	StatusCancelled            Status = "cancelled"
	StatusExpired              Status = "expired"
)

// Terminal reports whether no further operation is accepted in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFundsReleased, StatusTransactionCompleted, StatusDisputed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingAgreement, StatusPendingPayment, StatusPaymentReceived, StatusItemShipped,
		StatusInspectionPeriod, StatusBuyerApproved:
		return true
	}
	return s.Terminal()
}

type Operation string

const (
	OpAccept        Operation = "accept"
	OpPay           Operation = "pay"
	OpShip          Operation = "ship"
	OpDeliver       Operation = "deliver"
	OpApprove       Operation = "approve"
	OpSellerApprove Operation = "seller_approve"
	OpDispute       Operation = "dispute"
	OpCancel        Operation = "cancel"
)

type Category string

const (
	CategoryVehicle     Category = "vehicle"
	CategoryMachinery   Category = "machinery"
	CategoryElectronics Category = "electronics"
	CategoryRealEstate  Category = "real_estate"
	CategoryJewelry     Category = "jewelry"
	CategoryArt         Category = "art"
	CategoryOther       Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryVehicle, CategoryMachinery, CategoryElectronics, CategoryRealEstate,
		CategoryJewelry, CategoryArt, CategoryOther:
		return true
	}
	return false
}

type Condition string

const (
	ConditionNew     Condition = "new"
	ConditionLikeNew Condition = "like_new"
	ConditionGood    Condition = "good"
	ConditionFair    Condition = "fair"
	ConditionPoor    Condition = "poor"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionPoor:
		return true
	}
	return false
}

type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "pickup"
	DeliveryShipping DeliveryMethod = "shipping"
	DeliveryMeetup   DeliveryMethod = "meetup"
	DeliveryOther    DeliveryMethod = "other"
)

func (d DeliveryMethod) Valid() bool {
	switch d {
	case DeliveryPickup, DeliveryShipping, DeliveryMeetup, DeliveryOther:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCreditCard   PaymentMethod = "credit_card"
	PaymentDebitCard    PaymentMethod = "debit_card"
	PaymentWireTransfer PaymentMethod = "wire_transfer"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentBankTransfer, PaymentCreditCard, PaymentDebitCard, PaymentWireTransfer:
		return true
	}
	return false
}

// SystemActor authors system messages and automatic transitions.
const SystemActor = "system"

// Item describes the asset held in escrow.
type Item struct {
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Category       Category         `json:"category"`
	Condition      Condition        `json:"condition"`
	EstimatedValue *decimal.Decimal `json:"estimated_value,omitempty"`
	Images         []string         `json:"images,omitempty"`
}

type Payment struct {
	Method      PaymentMethod   `json:"method"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Status      string          `json:"status"`
	ProcessedAt time.Time       `json:"processed_at"`
}

type Shipping struct {
	TrackingNumber string   `json:"tracking_number,omitempty"`
	Carrier        string   `json:"carrier,omitempty"`
	Photos         []string `json:"photos,omitempty"`
}

// Message is an entry in the transaction's append-only log. Seq is 1-based.
type Message struct {
	Seq         int       `json:"seq"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	Internal    bool      `json:"internal"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Timestamps records each milestone. Every field is set once, by the transition
// that produces it.
type Timestamps struct {
	AgreedAt            *time.Time `json:"agreed_at,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	ShippedAt           *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt         *time.Time `json:"delivered_at,omitempty"`
	InspectionStartedAt *time.Time `json:"inspection_started_at,omitempty"`
	InspectionEndsAt    *time.Time `json:"inspection_ends_at,omitempty"`
	BuyerApprovedAt     *time.Time `json:"buyer_approved_at,omitempty"`
	SellerApprovedAt    *time.Time `json:"seller_approved_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	DisputedAt          *time.Time `json:"disputed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
}

// Transaction is the escrow aggregate. Only the state machine mutates it.
type Transaction struct {
	ID              string          `json:"id"`
	Seq             int64           `json:"seq"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	SupervisorID    string          `json:"supervisor_id,omitempty"`
	Item            Item            `json:"item"`
	Price           decimal.Decimal `json:"price"`
	FeeRate         decimal.Decimal `json:"fee_rate"`
	EscrowFee       decimal.Decimal `json:"escrow_fee"`
	Total           decimal.Decimal `json:"total"`
	Currency        Currency        `json:"currency"`
	DeliveryMethod  DeliveryMethod  `json:"delivery_method"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	InspectionDays  int             `json:"inspection_days"`
	Status          Status          `json:"status"`
	Payment         *Payment        `json:"payment,omitempty"`
	Shipping        *Shipping       `json:"shipping,omitempty"`
	Timestamps      Timestamps      `json:"timestamps"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Messages        []Message       `json:"messages,omitempty"`
	Dispute         *dispute.Record `json:"dispute,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or the seller.
func (t Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Recipients returns the parties that receive notifications about t.
func (t Transaction) Recipients() []string {
	out := []string{t.BuyerID, t.SellerID}
	if t.SupervisorID != "" {
		out = append(out, t.SupervisorID)
	}
	return out
}

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	out := t
	out.Item.Images = append([]string(nil), t.Item.Images...)
	if t.Item.EstimatedValue != nil {
		v := *t.Item.EstimatedValue
		out.Item.EstimatedValue = &v
	}
	if t.Payment != nil {
		p := *t.Payment
		out.Payment = &p
	}
	if t.Shipping != nil {
		s := *t.Shipping
		s.Photos = append([]string(nil), t.Shipping.Photos...)
		out.Shipping = &s
	}
	out.Timestamps = t.Timestamps.clone()
	if t.Messages != nil {
		out.Messages = make([]Message, len(t.Messages))
		for i, m := range t.Messages {
			m.Attachments = append([]string(nil), m.Attachments...)
			out.Messages[i] = m
		}
	}
	if t.Dispute != nil {
		d := *t.Dispute
		if t.Dispute.ResolvedAt != nil {
			at := *t.Dispute.ResolvedAt
			d.ResolvedAt = &at
		}
		out.Dispute = &d
	}
	return out
}

func (ts Timestamps) clone() Timestamps {
	cp := func(p *time.Time) *time.Time {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return Timestamps{
		AgreedAt:            cp(ts.AgreedAt),
		PaidAt:              cp(ts.PaidAt),
		ShippedAt:           cp(ts.ShippedAt),
		DeliveredAt:         cp(ts.DeliveredAt),
		InspectionStartedAt: cp(ts.InspectionStartedAt),
		InspectionEndsAt:    cp(ts.InspectionEndsAt),
		BuyerApprovedAt:     cp(ts.BuyerApprovedAt),
		SellerApprovedAt:    cp(ts.SellerApprovedAt),
		CompletedAt:         cp(ts.CompletedAt),
		DisputedAt:          cp(ts.DisputedAt),
		CancelledAt:         cp(ts.CancelledAt),
		ExpiredAt:           cp(ts.ExpiredAt),
	}
}

// CreateParams is the input to Service.Create.
type CreateParams struct {
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	SupervisorID    string          `json:"supervisor_id,omitempty"`
	Item            Item            `json:"item"`
	Price           decimal.Decimal `json:"price"`
	Currency        Currency        `json:"currency"`
	DeliveryMethod  DeliveryMethod  `json:"delivery_method"`
	DeliveryAddress string          `json:"delivery_address,omitempty"`
	InspectionDays  int             `json:"inspection_days,omitempty"`
}

// PaymentPayload accompanies OpPay.
type PaymentPayload struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Reference string          `json:"reference,omitempty"`
}

// DisputePayload accompanies OpDispute.
type DisputePayload struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// Payload carries the operation-specific input. Only the field matching the
// operation is read.
type Payload struct {
	Payment  *PaymentPayload `json:"payment,omitempty"`
	Shipping *Shipping       `json:"shipping,omitempty"`
	Dispute  *DisputePayload `json:"dispute,omitempty"`
	Notes    string          `json:"notes,omitempty"`
}

// ApplyRequest is the input to Service.Apply.
type ApplyRequest struct {
	TransactionID string
	ActorID       string
	Operation     Operation
	Payload       Payload
}

// ListFilters narrows Store.ListForParty. An empty PartyID lists every transaction.
type ListFilters struct {
	PartyID  string
	Status   Status
	Category Category
	Page     int
	PageSize int
}

type ListResult struct {
	Items []Transaction `json:"items"`
	Total int           `json:"total"`
}

// Stats aggregates the book of transactions.
type Stats struct {
	Total      int                          `json:"total"`
	ByStatus   map[Status]int               `json:"by_status"`
	ByCategory map[Category]int             `json:"by_category"`
	Value      map[Currency]decimal.Decimal `json:"value"`
	Fees       map[Currency]decimal.Decimal `json:"fees"`
}

func newStats() Stats {
	return Stats{
		ByStatus:   make(map[Status]int),
		ByCategory: make(map[Category]int),
		Value:      make(map[Currency]decimal.Decimal),
		Fees:       make(map[Currency]decimal.Decimal),
	}
}
