package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/infra/logging"
	"telegram-vpn-subscription/internal/infra/metrics"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type planDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Days      int    `json:"days"`
	TrafficGB int    `json:"traffic_gb"`
	Devices   int    `json:"devices"`
	PriceXTR  int64  `json:"price_xtr"`
}

type accessDTO struct {
	SubscriptionURL string `json:"subscription_url"`
	Deeplink        string `json:"deeplink"`
}

type subscriptionDTO struct {
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	PendingInvoiceID *string    `json:"pending_invoice_id,omitempty"`
	Version          int64      `json:"version"`
	Access           *accessDTO `json:"access,omitempty"`
}

type invoiceDTO struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type auditDTO struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Version   int64     `json:"version"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func toSubscriptionDTO(sub *model.Subscription, access *adapter.AccessURI) subscriptionDTO {
	out := subscriptionDTO{
		UserID:           sub.UserID,
		Status:           string(sub.Status),
		ExpiresAt:        sub.ExpiresAt,
		PendingInvoiceID: sub.PendingInvoiceID,
		Version:          sub.Version,
	}
	if access != nil {
		out.Access = &accessDTO{SubscriptionURL: access.SubscriptionURL, Deeplink: access.Deeplink}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(s.checks))
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			out[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, code, out)
}

func (s *Server) handlePlans(w http.ResponseWriter, _ *http.Request) {
	plans := s.gateway.Plans()
	items := make([]planDTO, 0, len(plans))
	for _, p := range plans {
		items = append(items, planDTO{ID: p.ID, Name: p.Name, Days: p.Days, TrafficGB: p.TrafficGB, Devices: p.Devices, PriceXTR: p.PriceXTR})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.gateway.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(view.Subscription, view.Access))
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "plan_id is required")
		return
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), userID, "purchase")
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			metrics.IncRateLimitTriggered("purchase")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many purchase requests")
			return
		}
	}

	inv, err := s.gateway.Purchase(r.Context(), userID, req.PlanID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoiceDTO{ID: inv.ID, PlanID: inv.PlanID, Amount: inv.Amount, Currency: inv.Currency, Status: string(inv.Status)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sub, err := s.gateway.Cancel(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub, nil))
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := s.gateway.AccessQR(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		metrics.IncPaymentEvent("webhook", "malformed")
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed payment event")
		return
	}
	ctx := logging.WithEventID(r.Context(), ev.GatewayEventID)
	ack, err := s.payments.Handle(ctx, ev)
	metrics.ObservePaymentAck("webhook", ev, ack, err)
	if err != nil && !domain.IsValidation(err) {
		s.fail(w, r.WithContext(ctx), err)
		return
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]any{
		"gateway_event_id": ev.GatewayEventID,
		"outcome":          string(ack.Outcome),
		"duplicate":        ack.Duplicate,
		"detail":           ack.Detail,
	})
}

func (s *Server) handleMintToken(w http.ResponseWriter, _ *http.Request) {
	tok, exp, err := s.auth.Mint("admin")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to mint admin token")
		writeError(w, http.StatusInternalServerError, "internal", "could not mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expires_at": exp})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.adminResult(w, r)(s.admin.Suspend(r.Context(), chi.URLParam(r, "userID"), req.Reason))
}

func (s *Server) handleReprovision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "plan_id is required")
		return
	}
	s.adminResult(w, r)(s.admin.Reprovision(r.Context(), chi.URLParam(r, "userID"), req.PlanID))
}

func (s *Server) handleRetryProvisioning(w http.ResponseWriter, r *http.Request) {
	s.adminResult(w, r)(s.admin.RetryProvisioning(r.Context(), chi.URLParam(r, "userID")))
}

// adminResult renders a committed state even when a deferred side effect failed.
func (s *Server) adminResult(w http.ResponseWriter, r *http.Request) func(*model.Subscription, error) {
	return func(sub *model.Subscription, err error) {
		switch {
		case err != nil && sub == nil:
			s.fail(w, r, err)
		case err != nil:
			writeJSON(w, http.StatusAccepted, map[string]any{"subscription": toSubscriptionDTO(sub, nil), "deferred": err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"subscription": toSubscriptionDTO(sub, nil)})
		}
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.admin.Audit(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]auditDTO, 0, len(entries))
	for _, e := range entries {
		items = append(items, auditDTO{
			ID:        e.ID,
			Command:   e.Command,
			OldStatus: string(e.OldStatus),
			NewStatus: string(e.NewStatus),
			Version:   e.Version,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// fail maps err to a status code and a message that is safe to show to callers.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusOf(err)
	l := logging.With(r.Context(), s.log)
	if code >= http.StatusInternalServerError {
		l.Error().Err(err).Msg("request failed")
	} else {
		l.Debug().Err(err).Msg("request rejected")
	}
	writeError(w, code, kind, domain.UserMessage(err))
}

func statusOf(err error) (int, string) {
	switch {
	case domain.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUnknownPlan):
		return http.StatusNotFound, "unknown_plan"
	case errors.Is(err, domain.ErrPaymentInFlight), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "not_allowed"
	case errors.Is(err, domain.ErrNoPanelAccount):
		return http.StatusNotFound, "no_access"
	case domain.IsValidation(err), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, "invalid"
	case errors.Is(err, domain.ErrLockNotAcquired), domain.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case domain.IsTerminal(err):
		return http.StatusBadGateway, "upstream_rejected"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}
