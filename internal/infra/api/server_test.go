//go:build !integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/api"
	"telegram-vpn-subscription/internal/usecase"
)

//
// -------------------- fakes --------------------
//

type fakeGateway struct {
	PurchaseFunc func(ctx context.Context, userID, planID string) (*model.Invoice, error)
	CancelFunc   func(ctx context.Context, userID string) (*model.Subscription, error)
	StatusFunc   func(ctx context.Context, userID string) (*usecase.StatusView, error)
	AccessQRFunc func(ctx context.Context, userID string) ([]byte, error)
}

func (f *fakeGateway) Plans() []*model.Plan {
	p, _ := model.NewPlan("lite", "Lite", 30, 50, 2, 100)
	return []*model.Plan{p}
}
func (f *fakeGateway) Purchase(ctx context.Context, userID, planID string) (*model.Invoice, error) {
	return f.PurchaseFunc(ctx, userID, planID)
}
func (f *fakeGateway) Cancel(ctx context.Context, userID string) (*model.Subscription, error) {
	return f.CancelFunc(ctx, userID)
}
func (f *fakeGateway) Status(ctx context.Context, userID string) (*usecase.StatusView, error) {
	return f.StatusFunc(ctx, userID)
}
func (f *fakeGateway) AccessQR(ctx context.Context, userID string) ([]byte, error) {
	return f.AccessQRFunc(ctx, userID)
}

type fakeAdmin struct {
	suspended string
}

func (f *fakeAdmin) Suspend(_ context.Context, userID, reason string) (*model.Subscription, error) {
	f.suspended = userID + ":" + reason
	return &model.Subscription{UserID: userID, Status: model.SubscriptionStatusSuspended, Version: 3}, nil
}
func (f *fakeAdmin) Reprovision(_ context.Context, userID, _ string) (*model.Subscription, error) {
	return &model.Subscription{UserID: userID, Status: model.SubscriptionStatusActive, Version: 4}, nil
}
func (f *fakeAdmin) RetryProvisioning(_ context.Context, userID string) (*model.Subscription, error) {
	return &model.Subscription{UserID: userID, Status: model.SubscriptionStatusGrace, Version: 5},
		&domain.RetryableExternalError{Op: "panel.create_account", Err: domain.ErrPanelUnavailable}
}
func (f *fakeAdmin) Audit(_ context.Context, userID string, _ int) ([]*model.AuditEntry, error) {
	return []*model.AuditEntry{{ID: "01J", UserID: userID, Command: "expire", OldStatus: model.SubscriptionStatusActive, NewStatus: model.SubscriptionStatusSuspended, Version: 7}}, nil
}

type fakePayments struct {
	HandleFunc func(ctx context.Context, ev model.PaymentEvent) (ucport.Ack, error)
}

func (f *fakePayments) Handle(ctx context.Context, ev model.PaymentEvent) (ucport.Ack, error) {
	return f.HandleFunc(ctx, ev)
}
func (f *fakePayments) Precheck(context.Context, string, string, int64) error { return nil }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, string) (bool, error) { return false, nil }

//
// -------------------- helpers --------------------
//

func testConfig() config.HTTPConfig {
	return config.HTTPConfig{
		APIKey:         "api-key",
		WebhookSecret:  "hook-secret",
		AdminAPIKey:    "admin-key",
		JWTSecret:      "jwt-secret",
		TokenTTL:       time.Hour,
		RequestTimeout: 5 * time.Second,
	}
}

func newRouter(gw *fakeGateway, admin *fakeAdmin, payments *fakePayments, limiter api.RateLimiter) http.Handler {
	l := zerolog.Nop()
	checks := map[string]api.HealthCheck{"db": func(context.Context) error { return nil }}
	return api.NewServer(testConfig(), gw, admin, payments, limiter, checks, &l).Router()
}

func do(t *testing.T, h http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

//
// -------------------- tests --------------------
//

func TestCommandAPI_Auth(t *testing.T) {
	h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/plans", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/api/v1/plans", "wrong", nil).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/plans", "api-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "lite", items[0].(map[string]any)["id"])
}

func TestCommandAPI_Purchase(t *testing.T) {
	t.Run("creates an invoice", func(t *testing.T) {
		var gotUser, gotPlan string
		gw := &fakeGateway{PurchaseFunc: func(_ context.Context, userID, planID string) (*model.Invoice, error) {
			gotUser, gotPlan = userID, planID
			return &model.Invoice{ID: "inv-1", PlanID: planID, Amount: 100, Currency: "XTR", Status: model.InvoiceStatusOpen}, nil
		}}
		h := newRouter(gw, &fakeAdmin{}, &fakePayments{}, nil)

		rec := do(t, h, http.MethodPost, "/api/v1/subscriptions/42/purchase", "api-key", map[string]string{"plan_id": "lite"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "42", gotUser)
		assert.Equal(t, "lite", gotPlan)
		assert.Equal(t, "inv-1", decode(t, rec)["id"])
	})

	t.Run("payment in flight is a conflict", func(t *testing.T) {
		gw := &fakeGateway{PurchaseFunc: func(context.Context, string, string) (*model.Invoice, error) {
			return nil, domain.Invalid(domain.ErrPaymentInFlight, "invoice x")
		}}
		h := newRouter(gw, &fakeAdmin{}, &fakePayments{}, nil)

		rec := do(t, h, http.MethodPost, "/api/v1/subscriptions/42/purchase", "api-key", map[string]string{"plan_id": "lite"})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, domain.MsgPaymentPending, decode(t, rec)["message"])
	})

	t.Run("missing plan id is a bad request", func(t *testing.T) {
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{}, nil)
		rec := do(t, h, http.MethodPost, "/api/v1/subscriptions/42/purchase", "api-key", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		gw := &fakeGateway{PurchaseFunc: func(context.Context, string, string) (*model.Invoice, error) {
			t.Fatal("purchase must not run when rate limited")
			return nil, nil
		}}
		h := newRouter(gw, &fakeAdmin{}, &fakePayments{}, denyLimiter{})
		rec := do(t, h, http.MethodPost, "/api/v1/subscriptions/42/purchase", "api-key", map[string]string{"plan_id": "lite"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestCommandAPI_StatusAndQR(t *testing.T) {
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		StatusFunc: func(_ context.Context, userID string) (*usecase.StatusView, error) {
			return &usecase.StatusView{
				Subscription: &model.Subscription{UserID: userID, Status: model.SubscriptionStatusActive, ExpiresAt: &exp, Version: 2},
				Access:       &adapter.AccessURI{SubscriptionURL: "https://p/u/ref/", Deeplink: "hiddify://import/x"},
			}, nil
		},
		AccessQRFunc: func(context.Context, string) ([]byte, error) {
			return nil, domain.Invalid(domain.ErrNoPanelAccount, "user 42")
		},
	}
	h := newRouter(gw, &fakeAdmin{}, &fakePayments{}, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/subscriptions/42", "api-key", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.EqualValues(t, 2, body["version"])
	assert.Equal(t, "hiddify://import/x", body["access"].(map[string]any)["deeplink"])

	rec = do(t, h, http.MethodGet, "/api/v1/subscriptions/42/qr", "api-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandAPI_CancelPanelDown(t *testing.T) {
	gw := &fakeGateway{CancelFunc: func(context.Context, string) (*model.Subscription, error) {
		return nil, fmtRetryable()
	}}
	h := newRouter(gw, &fakeAdmin{}, &fakePayments{}, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/subscriptions/42/cancel", "api-key", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, domain.MsgProcessing, decode(t, rec)["message"])
}

func fmtRetryable() error {
	return &domain.RetryableExternalError{Op: "panel.disable_account", Err: domain.ErrPanelUnavailable}
}

func TestPaymentWebhook(t *testing.T) {
	event := map[string]any{"gateway_event_id": "g-1", "invoice_id": "inv-1", "user_id": "42", "amount": 100}

	post := func(h http.Handler, secret string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/events", &buf)
		if secret != "" {
			req.Header.Set("X-Webhook-Secret", secret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("requires the shared secret", func(t *testing.T) {
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{}, nil)
		assert.Equal(t, http.StatusUnauthorized, post(h, "", event).Code)
		assert.Equal(t, http.StatusUnauthorized, post(h, "nope", event).Code)
	})

	t.Run("applied event is acknowledged", func(t *testing.T) {
		var got model.PaymentEvent
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{HandleFunc: func(_ context.Context, ev model.PaymentEvent) (ucport.Ack, error) {
			got = ev
			return ucport.Ack{GatewayEventID: ev.GatewayEventID, Outcome: model.EventOutcomeApplied}, nil
		}}, nil)

		rec := post(h, "hook-secret", event)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "g-1", got.GatewayEventID)
		assert.EqualValues(t, 100, got.Amount)
		assert.Equal(t, "applied", decode(t, rec)["outcome"])
	})

	t.Run("duplicate is acknowledged", func(t *testing.T) {
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{HandleFunc: func(context.Context, model.PaymentEvent) (ucport.Ack, error) {
			return ucport.Ack{Outcome: model.EventOutcomeApplied, Duplicate: true}, nil
		}}, nil)
		rec := post(h, "hook-secret", event)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["duplicate"])
	})

	t.Run("malformed event is not retried", func(t *testing.T) {
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{HandleFunc: func(context.Context, model.PaymentEvent) (ucport.Ack, error) {
			return ucport.Ack{Outcome: model.EventOutcomeRejected}, domain.Invalid(domain.ErrInvalidArgument, "amount must be positive")
		}}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, post(h, "hook-secret", event).Code)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/events", strings.NewReader("{"))
		req.Header.Set("X-Webhook-Secret", "hook-secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("transient failure asks for redelivery", func(t *testing.T) {
		h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{HandleFunc: func(context.Context, model.PaymentEvent) (ucport.Ack, error) {
			return ucport.Ack{Outcome: model.EventOutcomePending}, errors.Join(domain.ErrOperationFailed, errors.New("db down"))
		}}, nil)
		assert.Equal(t, http.StatusInternalServerError, post(h, "hook-secret", event).Code)
	})
}

func TestAdminAPI(t *testing.T) {
	admin := &fakeAdmin{}
	h := newRouter(&fakeGateway{}, admin, &fakePayments{}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/admin/subscriptions/42/suspend", "api-key", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/v1/admin/token", "api-key", nil).Code)

	rec := do(t, h, http.MethodPost, "/api/v1/admin/token", "admin-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decode(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/subscriptions/42/suspend", token, map[string]string{"reason": "abuse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "42:abuse", admin.suspended)

	rec = do(t, h, http.MethodPost, "/api/v1/admin/subscriptions/42/retry-provisioning", token, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, decode(t, rec)["deferred"], "panel unavailable")

	rec = do(t, h, http.MethodGet, "/api/v1/admin/subscriptions/42/audit?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "expire", items[0].(map[string]any)["command"])
}

func TestHealth(t *testing.T) {
	h := newRouter(&fakeGateway{}, &fakeAdmin{}, &fakePayments{}, nil)
	rec := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["db"])
}
