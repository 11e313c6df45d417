package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/metrics"
	"escrowflow/notification"
)

// AuditLog exposes resolved notifications to admins.
type AuditLog interface {
	List(ctx context.Context, limit int) ([]notification.Resolution, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Escrow   *escrow.Service
	Identity *identity.Service
	Ledger   *notification.Ledger
	Audit    AuditLog
	Hub      *notification.Hub
	Metrics  *metrics.Escrow
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server is the HTTP surface over the escrow service and the notification ledger.
type Server struct {
	escrow   *escrow.Service
	identity *identity.Service
	ledger   *notification.Ledger
	audit    AuditLog
	hub      *notification.Hub
	metrics  *metrics.Escrow
	logger   *slog.Logger
	now      func() time.Time

	router http.Handler
}

func New(cfg Config) *Server {
	s := &Server{
		escrow:   cfg.Escrow,
		identity: cfg.Identity,
		ledger:   cfg.Ledger,
		audit:    cfg.Audit,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(p chi.Router) {
		p.Use(s.authenticate)

		p.Post("/api/transactions", s.handleCreateTransaction)
		p.Get("/api/transactions", s.handleListTransactions)
		p.Get("/api/transactions/{id}", s.handleGetTransaction)
		p.Post("/api/transactions/{id}/operations/{op}", s.handleOperation)
		p.Get("/api/transactions/{id}/messages", s.handleListMessages)
		p.Post("/api/transactions/{id}/messages", s.handleAddMessage)
		p.Post("/api/transactions/{id}/dispute", s.handleRaiseDispute)
		p.Post("/api/transactions/{id}/dispute/review", s.handleReviewDispute)
		p.Post("/api/transactions/{id}/dispute/resolve", s.handleResolveDispute)
		p.Get("/api/disputes", s.handleListDisputes)
		p.Get("/api/disputes/{id}", s.handleGetDispute)
		p.Get("/api/stats", s.handleStats)

		p.Get("/api/notifications/pending", s.handlePendingNotifications)
		p.Get("/api/notifications/overdue", s.handleOverdueNotifications)
		p.Get("/api/notifications/audit", s.handleNotificationAudit)
		p.Post("/api/notifications/{id}/confirm", s.handleConfirmNotification)
		p.Post("/api/notifications/{id}/reject", s.handleRejectNotification)

		p.Post("/api/users/{id}/verification", s.handleUpdateVerification)
		p.Get("/ws/notifications", s.handleWebsocket)
	})

	return r
}

type actorKey struct{}

type actor struct {
	ID   string
	Role identity.Role
}

func (a actor) privileged() bool {
	return a.Role == identity.RoleAdmin || a.Role == identity.RoleAdvisor
}

func actorFrom(ctx context.Context) actor {
	a, _ := ctx.Value(actorKey{}).(actor)
	return a
}

// authenticate accepts a bearer token, or a token query parameter for websocket clients.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.identity.VerifyToken(token)
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor{ID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
	})
}

type userResponse struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	FullName         string    `json:"full_name"`
	Role             string    `json:"role"`
	IdentityVerified bool      `json:"identity_verified"`
	KYCVerified      bool      `json:"kyc_verified"`
	CreatedAt        time.Time `json:"created_at"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:               u.ID,
		Email:            u.Email,
		FullName:         u.FullName,
		Role:             string(u.Role),
		IdentityVerified: u.IdentityVerified,
		KYCVerified:      u.KYCVerified,
		CreatedAt:        u.CreatedAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	req.Role = identity.RoleUser
	user, err := s.identity.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.identity.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": toUserResponse(res.User)})
}

type createTransactionRequest struct {
	SellerID        string                `json:"seller_id"`
	SupervisorID    string                `json:"supervisor_id"`
	Item            escrow.Item           `json:"item"`
	Price           decimal.Decimal       `json:"price"`
	Currency        escrow.Currency       `json:"currency"`
	DeliveryMethod  escrow.DeliveryMethod `json:"delivery_method"`
	DeliveryAddress string                `json:"delivery_address"`
	InspectionDays  int                   `json:"inspection_days"`
}

// handleCreateTransaction opens an escrow with the caller as buyer.
func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.escrow.Create(r.Context(), escrow.CreateParams{
		BuyerID:         actorFrom(r.Context()).ID,
		SellerID:        req.SellerID,
		SupervisorID:    req.SupervisorID,
		Item:            req.Item,
		Price:           req.Price,
		Currency:        req.Currency,
		DeliveryMethod:  req.DeliveryMethod,
		DeliveryAddress: req.DeliveryAddress,
		InspectionDays:  req.InspectionDays,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := escrow.ListFilters{
		PartyID:  q.Get("party_id"),
		Status:   escrow.Status(q.Get("status")),
		Category: escrow.Category(q.Get("category")),
		Page:     queryInt(q.Get("page")),
		PageSize: queryInt(q.Get("page_size")),
	}
	res, err := s.escrow.List(r.Context(), actorFrom(r.Context()).ID, filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrow.Get(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction":       tx,
		"allowedOperations": escrow.AllowedOperations(tx.Status),
	})
}

var routedOperations = map[string]escrow.Operation{
	"accept":         escrow.OpAccept,
	"pay":            escrow.OpPay,
	"ship":           escrow.OpShip,
	"deliver":        escrow.OpDeliver,
	"approve":        escrow.OpApprove,
	"seller_approve": escrow.OpSellerApprove,
	"cancel":         escrow.OpCancel,
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := routedOperations[chi.URLParam(r, "op")]
	if !ok {
		writeErrorMessage(w, http.StatusNotFound, "unknown operation")
		return
	}
	var payload escrow.Payload
	if !decodeOptional(w, r, &payload) {
		return
	}
	tx, err := s.escrow.Apply(r.Context(), escrow.ApplyRequest{
		TransactionID: chi.URLParam(r, "id"),
		ActorID:       actorFrom(r.Context()).ID,
		Operation:     op,
		Payload:       payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.escrow.Messages(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string   `json:"text"`
		Attachments []string `json:"attachments"`
		Internal    bool     `json:"internal"`
	}
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.escrow.AddMessage(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID, req.Text, req.Attachments, req.Internal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req escrow.DisputePayload
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.escrow.RaiseDispute(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID, req.Reason, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.escrow.ReviewDispute(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string         `json:"resolution"`
		Outcome    dispute.Status `json:"outcome"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Outcome == "" {
		req.Outcome = dispute.StatusResolved
	}
	rec, err := s.escrow.ResolveDispute(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID, req.Resolution, req.Outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	recs, err := s.escrow.ListDisputes(r.Context(), actorFrom(r.Context()).ID, dispute.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.escrow.GetDispute(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.escrow.Stats(r.Context(), actorFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// visible keeps the notifications addressed to a; admins and advisors see all.
func visible(a actor, in []notification.Notification) []notification.Notification {
	out := make([]notification.Notification, 0, len(in))
	for _, n := range in {
		if a.privileged() || addressedTo(n, a.ID) {
			out = append(out, n)
		}
	}
	return out
}

func addressedTo(n notification.Notification, userID string) bool {
	for _, r := range n.Recipients {
		if r == userID {
			return true
		}
	}
	return false
}

func (s *Server) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, visible(actorFrom(r.Context()), s.ledger.ListPending()))
}

func (s *Server) handleOverdueNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, visible(actorFrom(r.Context()), s.ledger.ListOverdue(s.now())))
}

func (s *Server) handleNotificationAudit(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r.Context()).privileged() {
		writeErrorMessage(w, http.StatusForbidden, "audit log requires an admin or advisor")
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []notification.Resolution{})
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := s.audit.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// resolvable checks that the caller may act on the pending notification id.
func (s *Server) resolvable(a actor, id string) error {
	for _, n := range s.ledger.ListPending() {
		if n.ID != id {
			continue
		}
		if a.privileged() || addressedTo(n, a.ID) {
			return nil
		}
		return escrow.ErrForbidden
	}
	return notification.ErrNotFound
}

func (s *Server) handleConfirmNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	a, id := actorFrom(r.Context()), chi.URLParam(r, "id")
	if err := s.resolvable(a, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ledger.Confirm(r.Context(), id, a.ID, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	a, id := actorFrom(r.Context()), chi.URLParam(r, "id")
	if err := s.resolvable(a, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ledger.Reject(r.Context(), id, a.ID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateVerification(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r.Context()).Role != identity.RoleAdmin {
		writeErrorMessage(w, http.StatusForbidden, "verification updates require an admin")
		return
	}
	var req identity.VerificationUpdate
	if !decode(w, r, &req) {
		return
	}
	user, err := s.identity.UpdateVerification(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "websocket notifications disabled")
		return
	}
	s.hub.Serve(w, r, actorFrom(r.Context()).ID)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce *escrow.ComplianceError
		te *escrow.TransitionError
	)
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":               ce.Reason,
			"operation":           ce.Operation,
			"missingRequirements": ce.Missing,
		})
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":             te.Error(),
			"rule":              te.Rule,
			"status":            te.Status,
			"allowedOperations": te.Allowed,
		})
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, notification.ErrNotFound), errors.Is(err, identity.ErrUserNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrForbidden):
		writeErrorMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrDuplicateDispute), errors.Is(err, escrow.ErrConflict),
		errors.Is(err, dispute.ErrBadStatus), errors.Is(err, identity.ErrDuplicateEmail):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, notification.ErrReasonRequired),
		errors.Is(err, notification.ErrInvalidContext), errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidInput):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeErrorMessage(w, http.StatusUnauthorized, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err.Error())
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
