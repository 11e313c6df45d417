package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowflow/compliance"
	"escrowflow/dispute"
	"escrowflow/identity"
	"escrowflow/metrics"
	"escrowflow/notification"
)

// IdentityProvider supplies verification flags and role for a user.
type IdentityProvider interface {
	Flags(ctx context.Context, userID string) (compliance.Flags, error)
}

// Notifier records critical notifications.
type Notifier interface {
	Create(ctx context.Context, p notification.CreateParams) (notification.Notification, error)
}

// Options carries the commercial parameters of the state machine.
type Options struct {
	FeeRate               decimal.Decimal
	MinPrice              decimal.Decimal
	DefaultInspectionDays int
	MaxInspectionDays     int
	ExpiryDays            int
	ConfirmationDeadline  time.Duration
}

func DefaultOptions() Options {
	return Options{
		FeeRate:               decimal.RequireFromString("0.025"),
		MinPrice:              decimal.NewFromInt(100),
		DefaultInspectionDays: 3,
		MaxInspectionDays:     30,
		ExpiryDays:            30,
		ConfirmationDeadline:  24 * time.Hour,
	}
}

// Service is the escrow state machine. Operations on one transaction are
// serialized by a per-id lock; the store's version check catches writers in
// other processes.
type Service struct {
	store       Store
	identity    IdentityProvider
	gate        compliance.Gate
	notifier    Notifier
	disputes    *dispute.Service
	opts        Options
	locks       *keyedMutex
	logger      *slog.Logger
	metrics     *metrics.Escrow
	tracer      trace.Tracer
	now         func() time.Time
	idGenerator func() string
}

func NewService(store Store, ids IdentityProvider, gate compliance.Gate, notifier Notifier, opts Options) *Service {
	return &Service{
		store:       store,
		identity:    ids,
		gate:        gate,
		notifier:    notifier,
		disputes:    dispute.NewService(store.Disputes()),
		opts:        opts,
		locks:       newKeyedMutex(),
		logger:      slog.Default().With("component", "escrow"),
		tracer:      otel.Tracer("escrowflow/escrow"),
		now:         time.Now,
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "escrow")
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Escrow) *Service {
	s.metrics = m
	return s
}

// Create validates the terms, computes the fee, checks both parties against the
// compliance gate and stores a new transaction in pending_agreement.
func (s *Service) Create(ctx context.Context, p CreateParams) (Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.Create")
	defer span.End()

	t, err := s.create(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transaction{}, err
	}
	span.SetAttributes(attribute.String("escrow.transaction_id", t.ID))
	return t, nil
}

func (s *Service) create(ctx context.Context, p CreateParams) (Transaction, error) {
	if err := s.validateCreate(&p); err != nil {
		s.metrics.RecordRejection("create", "validation")
		return Transaction{}, err
	}

	fee, total := ComputeFee(p.Price, s.opts.FeeRate, p.Currency)
	subject := compliance.Subject{Amount: total, Currency: string(p.Currency)}
	if _, err := s.evaluate(ctx, compliance.OpCreate, p.BuyerID, "", subject); err != nil {
		return Transaction{}, err
	}
	if _, err := s.evaluate(ctx, compliance.OpCounterparty, p.SellerID, "", subject); err != nil {
		return Transaction{}, err
	}

	now := s.now().UTC()
	t := Transaction{
		ID:              s.newTransactionID(now),
		BuyerID:         p.BuyerID,
		SellerID:        p.SellerID,
		SupervisorID:    p.SupervisorID,
		Item:            p.Item,
		Price:           p.Price,
		FeeRate:         s.opts.FeeRate,
		EscrowFee:       fee,
		Total:           total,
		Currency:        p.Currency,
		DeliveryMethod:  p.DeliveryMethod,
		DeliveryAddress: p.DeliveryAddress,
		InspectionDays:  p.InspectionDays,
		Status:          StatusPendingAgreement,
		ExpiresAt:       now.AddDate(0, 0, s.opts.ExpiryDays),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.Messages = []Message{systemMessage(1, now, "Escrow transaction created. Waiting for the seller to accept the terms.")}

	created, err := s.store.Create(ctx, t)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: create: %w", err)
	}
	s.metrics.RecordTransition("create", string(created.Status))
	s.logger.InfoContext(ctx, "transaction created",
		"transaction_id", created.ID, "total", created.Total.StringFixed(created.Currency.MinorUnits()), "currency", string(created.Currency))
	s.notifyStatusChange(ctx, created, "", p.BuyerID)
	return created, nil
}

func (s *Service) validateCreate(p *CreateParams) error {
	p.BuyerID = strings.TrimSpace(p.BuyerID)
	p.SellerID = strings.TrimSpace(p.SellerID)
	p.SupervisorID = strings.TrimSpace(p.SupervisorID)
	p.Item.Title = strings.TrimSpace(p.Item.Title)

	switch {
	case p.BuyerID == "" || p.SellerID == "":
		return validationf("buyer and seller are required")
	case p.BuyerID == p.SellerID:
		return validationf("buyer and seller must be different users")
	case p.SupervisorID != "" && (p.SupervisorID == p.BuyerID || p.SupervisorID == p.SellerID):
		return validationf("supervisor must be distinct from the buyer and seller")
	case p.Item.Title == "":
		return validationf("item title is required")
	case !p.Item.Category.Valid():
		return validationf("unsupported category %q", p.Item.Category)
	case !p.Item.Condition.Valid():
		return validationf("unsupported condition %q", p.Item.Condition)
	case !p.DeliveryMethod.Valid():
		return validationf("unsupported delivery method %q", p.DeliveryMethod)
	}

	if p.Currency == "" {
		p.Currency = CurrencyMXN
	}
	if !p.Currency.Valid() {
		return validationf("unsupported currency %q", p.Currency)
	}
	if !p.Price.IsPositive() {
		return validationf("price must be positive")
	}
	if !p.Price.Equal(p.Price.Round(p.Currency.MinorUnits())) {
		return validationf("price has more than %d decimal places", p.Currency.MinorUnits())
	}
	if p.Price.LessThan(s.opts.MinPrice) {
		return validationf("price must be at least %s %s", s.opts.MinPrice.StringFixed(p.Currency.MinorUnits()), p.Currency)
	}
	if p.Item.EstimatedValue != nil && p.Item.EstimatedValue.IsNegative() {
		return validationf("estimated value must not be negative")
	}

	if p.InspectionDays == 0 {
		p.InspectionDays = s.opts.DefaultInspectionDays
	}
	if p.InspectionDays < 1 || p.InspectionDays > s.opts.MaxInspectionDays {
		return validationf("inspection period must be between 1 and %d days", s.opts.MaxInspectionDays)
	}
	return nil
}

func (s *Service) newTransactionID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(s.idGenerator(), "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "ESC-" + now.Format("20060102") + "-" + suffix
}

// Apply runs one operation against a transaction. Checks run in a fixed order:
// existence, repeated approval (returned unchanged), dispute standing, legality
// for the current status, actor role, payload, compliance gate. Nothing is written
// unless every check passes. A repeated approval only short-circuits while the
// approval still stands, so a repeat after a dispute or cancellation is rejected
// as an invalid transition.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.Apply", trace.WithAttributes(
		attribute.String("escrow.transaction_id", req.TransactionID),
		attribute.String("escrow.operation", string(req.Operation)),
	))
	defer span.End()

	t, err := s.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transaction{}, err
	}
	span.SetAttributes(attribute.String("escrow.status", string(t.Status)))
	return t, nil
}

func (s *Service) apply(ctx context.Context, req ApplyRequest) (Transaction, error) {
	unlock := s.locks.Lock(req.TransactionID)
	defer unlock()

	t, err := s.store.Load(ctx, req.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if repeatedApproval(t, req.Operation, req.ActorID) {
		return t, nil
	}
	if req.Operation == OpDispute && !t.IsParty(req.ActorID) {
		s.metrics.RecordRejection(string(req.Operation), "forbidden")
		return Transaction{}, forbiddenf("only the buyer or seller can %s", req.Operation)
	}
	if req.Operation == OpDispute && (t.Dispute != nil || t.Status == StatusDisputed) {
		s.metrics.RecordRejection(string(req.Operation), "duplicate_dispute")
		return Transaction{}, ErrDuplicateDispute
	}
	if err := checkTransition(t, req.Operation); err != nil {
		s.metrics.RecordRejection(string(req.Operation), "invalid_transition")
		s.logger.DebugContext(ctx, "operation rejected", "transaction_id", t.ID, "operation", string(req.Operation), "reason", err.Error())
		return Transaction{}, err
	}
	if err := checkActor(t, req.Operation, req.ActorID); err != nil {
		s.metrics.RecordRejection(string(req.Operation), "forbidden")
		return Transaction{}, err
	}
	if err := validatePayload(t, req); err != nil {
		s.metrics.RecordRejection(string(req.Operation), "validation")
		return Transaction{}, err
	}
	decision, err := s.evaluate(ctx, compliance.Operation(req.Operation), req.ActorID, t.ID,
		compliance.Subject{Amount: t.Total, Currency: string(t.Currency)})
	if err != nil {
		return Transaction{}, err
	}

	return s.commit(ctx, t, req, decision)
}

// commit mutates a copy of t, persists it and fires the side effects. Callers
// hold the transaction lock.
func (s *Service) commit(ctx context.Context, t Transaction, req ApplyRequest, decision compliance.Decision) (Transaction, error) {
	now := s.now().UTC()
	next := t.Clone()
	text := s.mutate(&next, req, now)
	next.Messages = append(next.Messages, systemMessage(len(next.Messages)+1, now, text))
	next.UpdatedAt = now

	saved, err := s.store.Save(ctx, next)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.metrics.RecordRejection(string(req.Operation), "conflict")
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("escrow: save %s: %w", req.Operation, err)
	}

	s.metrics.RecordTransition(string(req.Operation), string(saved.Status))
	s.logger.InfoContext(ctx, "transition applied",
		"transaction_id", saved.ID,
		"operation", string(req.Operation),
		"from", string(t.Status),
		"status", string(saved.Status))
	s.afterTransition(ctx, saved, t.Status, req, decision)
	return saved, nil
}

func repeatedApproval(t Transaction, op Operation, actorID string) bool {
	switch t.Status {
	case StatusInspectionPeriod, StatusBuyerApproved, StatusFundsReleased:
	default:
		return false
	}
	switch op {
	case OpApprove:
		return actorID == t.BuyerID && t.Timestamps.BuyerApprovedAt != nil
	case OpSellerApprove:
		return actorID == t.SellerID && t.Timestamps.SellerApprovedAt != nil
	}
	return false
}

func validatePayload(t Transaction, req ApplyRequest) error {
	switch req.Operation {
	case OpPay:
		p := req.Payload.Payment
		if p == nil {
			return validationf("payment details are required")
		}
		if !p.Method.Valid() {
			return validationf("unsupported payment method %q", p.Method)
		}
		if p.Currency != "" && p.Currency != t.Currency {
			return validationf("payment currency %s does not match transaction currency %s", p.Currency, t.Currency)
		}
		if !p.Amount.Equal(t.Total) {
			return validationf("payment amount %s does not match transaction total %s",
				p.Amount.StringFixed(t.Currency.MinorUnits()), t.Total.StringFixed(t.Currency.MinorUnits()))
		}
	case OpDispute:
		d := req.Payload.Dispute
		if d == nil || strings.TrimSpace(d.Reason) == "" {
			return validationf("dispute reason is required")
		}
	}
	return nil
}

// mutate applies op to t and returns the system message describing it.
func (s *Service) mutate(t *Transaction, req ApplyRequest, now time.Time) string {
	at := func() *time.Time { v := now; return &v }
	ts := &t.Timestamps
	units := t.Currency.MinorUnits()

	switch req.Operation {
	case OpAccept:
		t.Status = StatusPendingPayment
		ts.AgreedAt = at()
		return "Seller accepted the terms. Waiting for buyer payment."
	case OpPay:
		p := req.Payload.Payment
		t.Status = StatusPaymentReceived
		ts.PaidAt = at()
		t.Payment = &Payment{
			Method:      p.Method,
			Amount:      p.Amount,
			Reference:   p.Reference,
			Status:      "completed",
			ProcessedAt: now,
		}
		return fmt.Sprintf("Payment of %s %s received via %s. Funds are held in escrow.",
			t.Total.StringFixed(units), t.Currency, p.Method)
	case OpShip:
		t.Status = StatusItemShipped
		ts.ShippedAt = at()
		shipping := Shipping{}
		if req.Payload.Shipping != nil {
			shipping = *req.Payload.Shipping
			shipping.Photos = append([]string(nil), req.Payload.Shipping.Photos...)
		}
		t.Shipping = &shipping
		tracking := shipping.TrackingNumber
		if tracking == "" {
			tracking = "N/A"
		}
		return "Item shipped. Tracking number: " + tracking
	case OpDeliver:
		t.Status = StatusInspectionPeriod
		ts.DeliveredAt = at()
		ts.InspectionStartedAt = at()
		end := now.AddDate(0, 0, t.InspectionDays)
		ts.InspectionEndsAt = &end
		return fmt.Sprintf("Delivery confirmed. Inspection period ends %s.", end.Format(time.RFC3339))
	case OpApprove:
		ts.BuyerApprovedAt = at()
		if ts.SellerApprovedAt != nil {
			t.Status = StatusFundsReleased
			ts.CompletedAt = at()
			return "Buyer approved the item. Both parties approved; funds released to the seller."
		}
		t.Status = StatusBuyerApproved
		return "Buyer approved the item. Waiting for seller approval."
	case OpSellerApprove:
		ts.SellerApprovedAt = at()
		if ts.BuyerApprovedAt != nil {
			t.Status = StatusFundsReleased
			ts.CompletedAt = at()
			return "Seller approved. Both parties approved; funds released to the seller."
		}
		return "Seller approved. Waiting for buyer approval."
	case OpDispute:
		d := req.Payload.Dispute
		t.Status = StatusDisputed
		ts.DisputedAt = at()
		rec := dispute.Open(s.idGenerator(), t.ID, req.ActorID, strings.TrimSpace(d.Reason), d.Description, now)
		t.Dispute = &rec
		return "Dispute raised: " + rec.Reason
	case opExpire:
		t.Status = StatusExpired
		ts.ExpiredAt = at()
		return "Transaction expired before the agreement was completed."
	case OpCancel:
		t.Status = StatusCancelled
		ts.CancelledAt = at()
		if req.Payload.Notes != "" {
			return "Transaction cancelled: " + req.Payload.Notes
		}
		return "Transaction cancelled."
	}
	return ""
}

// evaluate runs the compliance gate for actorID. A denial records an
// informational notice for the actor and returns *ComplianceError.
func (s *Service) evaluate(ctx context.Context, op compliance.Operation, actorID, transactionID string, subject compliance.Subject) (compliance.Decision, error) {
	flags, err := s.flags(ctx, actorID)
	if err != nil {
		return compliance.Decision{}, err
	}
	decision := s.gate.Evaluate(op, flags, subject)
	if decision.Allowed {
		return decision, nil
	}
	s.metrics.RecordRejection(string(op), "compliance")
	s.logger.InfoContext(ctx, "compliance denied",
		"transaction_id", transactionID, "operation", string(op), "reason", decision.Reason)
	s.notifyComplianceDenied(ctx, actorID, op, decision)
	return decision, &ComplianceError{Operation: Operation(op), Reason: decision.Reason, Missing: decision.Missing}
}

func (s *Service) flags(ctx context.Context, userID string) (compliance.Flags, error) {
	flags, err := s.identity.Flags(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return compliance.Flags{}, forbiddenf("unknown user %q", userID)
		}
		return compliance.Flags{}, fmt.Errorf("escrow: load actor flags: %w", err)
	}
	return flags, nil
}

func (s *Service) privileged(ctx context.Context, userID string) (bool, error) {
	flags, err := s.flags(ctx, userID)
	if err != nil {
		return false, err
	}
	return flags.Role == compliance.RoleAdmin || flags.Role == compliance.RoleAdvisor, nil
}

// Get returns the transaction if actorID may see it. Internal messages are
// hidden from everyone but admins and advisors.
func (s *Service) Get(ctx context.Context, id, actorID string) (Transaction, error) {
	t, err := s.store.Load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return Transaction{}, err
	}
	if !priv && !t.IsParty(actorID) && t.SupervisorID != actorID {
		return Transaction{}, forbiddenf("not a participant of %s", id)
	}
	if !priv {
		t.Messages = publicMessages(t.Messages)
	}
	return t, nil
}

// List returns the actor's transactions. Admins and advisors may list any party,
// or everything with an empty PartyID.
func (s *Service) List(ctx context.Context, actorID string, filters ListFilters) (ListResult, error) {
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return ListResult{}, err
	}
	if !priv {
		filters.PartyID = actorID
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return ListResult{}, validationf("unknown status %q", filters.Status)
	}
	if filters.Category != "" && !filters.Category.Valid() {
		return ListResult{}, validationf("unknown category %q", filters.Category)
	}
	items, total, err := s.store.ListForParty(ctx, filters)
	if err != nil {
		return ListResult{}, fmt.Errorf("escrow: list: %w", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

// Stats is restricted to admins and advisors.
func (s *Service) Stats(ctx context.Context, actorID string) (Stats, error) {
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return Stats{}, err
	}
	if !priv {
		return Stats{}, forbiddenf("stats require an admin or advisor")
	}
	return s.store.Stats(ctx)
}

// AddMessage appends a message to the transaction log. Internal messages may only
// be written by admins and advisors.
func (s *Service) AddMessage(ctx context.Context, transactionID, actorID, text string, attachments []string, internal bool) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, validationf("message text is required")
	}

	unlock := s.locks.Lock(transactionID)
	defer unlock()

	t, err := s.store.Load(ctx, transactionID)
	if err != nil {
		return Message{}, err
	}
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return Message{}, err
	}
	if !priv && !t.IsParty(actorID) {
		return Message{}, forbiddenf("not a participant of %s", transactionID)
	}
	if internal && !priv {
		return Message{}, forbiddenf("only admins and advisors can add internal messages")
	}

	msg, err := s.store.AppendMessage(ctx, transactionID, Message{
		SenderID:    actorID,
		Text:        text,
		Internal:    internal,
		Attachments: attachments,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("escrow: append message: %w", err)
	}
	return msg, nil
}

// Messages returns the log visible to actorID.
func (s *Service) Messages(ctx context.Context, transactionID, actorID string) ([]Message, error) {
	t, err := s.Get(ctx, transactionID, actorID)
	if err != nil {
		return nil, err
	}
	return t.Messages, nil
}

func publicMessages(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if !m.Internal {
			out = append(out, m)
		}
	}
	return out
}

// RaiseDispute moves the transaction to disputed and returns the new dispute.
func (s *Service) RaiseDispute(ctx context.Context, transactionID, actorID, reason, description string) (dispute.Record, error) {
	t, err := s.Apply(ctx, ApplyRequest{
		TransactionID: transactionID,
		ActorID:       actorID,
		Operation:     OpDispute,
		Payload:       Payload{Dispute: &DisputePayload{Reason: reason, Description: description}},
	})
	if err != nil {
		return dispute.Record{}, err
	}
	return *t.Dispute, nil
}

// ReviewDispute moves the transaction's dispute under review. Admin only.
func (s *Service) ReviewDispute(ctx context.Context, transactionID, adminID string) (dispute.Record, error) {
	return s.updateDispute(ctx, transactionID, adminID, func(rec *dispute.Record, now time.Time) (string, error) {
		if err := rec.Review(adminID, now); err != nil {
			return "", err
		}
		return "Dispute is under review by the platform.", nil
	})
}

// ResolveDispute closes the transaction's dispute. Admin only.
func (s *Service) ResolveDispute(ctx context.Context, transactionID, adminID, resolution string, outcome dispute.Status) (dispute.Record, error) {
	if strings.TrimSpace(resolution) == "" {
		return dispute.Record{}, validationf("resolution is required")
	}
	return s.updateDispute(ctx, transactionID, adminID, func(rec *dispute.Record, now time.Time) (string, error) {
		if err := rec.Resolve(adminID, resolution, outcome, now); err != nil {
			return "", err
		}
		return fmt.Sprintf("Dispute %s: %s", outcome, resolution), nil
	})
}

func (s *Service) updateDispute(ctx context.Context, transactionID, adminID string, fn func(*dispute.Record, time.Time) (string, error)) (dispute.Record, error) {
	flags, err := s.flags(ctx, adminID)
	if err != nil {
		return dispute.Record{}, err
	}
	if flags.Role != compliance.RoleAdmin {
		return dispute.Record{}, forbiddenf("only admins can decide disputes")
	}

	unlock := s.locks.Lock(transactionID)
	defer unlock()

	t, err := s.store.Load(ctx, transactionID)
	if err != nil {
		return dispute.Record{}, err
	}
	if t.Dispute == nil {
		return dispute.Record{}, fmt.Errorf("%w: transaction %s has no dispute", ErrNotFound, transactionID)
	}

	now := s.now().UTC()
	next := t.Clone()
	text, err := fn(next.Dispute, now)
	if err != nil {
		return dispute.Record{}, err
	}
	next.Messages = append(next.Messages, systemMessage(len(next.Messages)+1, now, text))
	next.UpdatedAt = now

	saved, err := s.store.Save(ctx, next)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: save dispute: %w", err)
	}
	s.logger.InfoContext(ctx, "dispute updated",
		"transaction_id", saved.ID, "status", string(saved.Dispute.Status))
	return *saved.Dispute, nil
}

// ListDisputes returns disputes for the admin queue, optionally filtered by status.
func (s *Service) ListDisputes(ctx context.Context, actorID string, status dispute.Status) ([]dispute.Record, error) {
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !priv {
		return nil, forbiddenf("dispute queue requires an admin or advisor")
	}
	if status == "" {
		return s.disputes.Queue(ctx)
	}
	return s.disputes.List(ctx, status)
}

// GetDispute returns one dispute record. Admins and advisors see every dispute;
// the parties of the disputed transaction see their own.
func (s *Service) GetDispute(ctx context.Context, id, actorID string) (dispute.Record, error) {
	rec, err := s.disputes.Get(ctx, id)
	if err != nil {
		return dispute.Record{}, err
	}
	priv, err := s.privileged(ctx, actorID)
	if err != nil {
		return dispute.Record{}, err
	}
	if priv {
		return rec, nil
	}
	t, err := s.store.Load(ctx, rec.TransactionID)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: load disputed transaction: %w", err)
	}
	if !t.IsParty(actorID) {
		return dispute.Record{}, forbiddenf("not a participant of %s", rec.TransactionID)
	}
	return rec, nil
}

func systemMessage(seq int, now time.Time, text string) Message {
	return Message{Seq: seq, SenderID: SystemActor, Text: text, CreatedAt: now}
}
