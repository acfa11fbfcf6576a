//go:build !integration

package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/db/memory"
	"telegram-vpn-subscription/internal/infra/lockmap"
	"telegram-vpn-subscription/internal/usecase"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

// -----------------------------
// Clock
// -----------------------------

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// -----------------------------
// Panel
// -----------------------------

// fakePanel keeps accounts in memory. Errors queued with fail are returned by
// the next calls of that operation, in order.
type fakePanel struct {
	mu       sync.Mutex
	accounts map[string]time.Time
	disabled map[string]bool
	calls    map[string]int
	failures map[string][]error
	lost     int // creates that land on the panel but answer with an error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		accounts: make(map[string]time.Time),
		disabled: make(map[string]bool),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

func (p *fakePanel) fail(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

func (p *fakePanel) next(op string) error {
	p.calls[op]++
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

func (p *fakePanel) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// loseCreates makes the next n creates succeed on the panel while reporting a failure.
func (p *fakePanel) loseCreates(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost += n
}

func (p *fakePanel) Accounts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *fakePanel) Disabled(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[ref]
}

func (p *fakePanel) Expiry(ref string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accounts[ref]
}

func (p *fakePanel) CreateAccount(_ context.Context, spec adapter.AccountSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.next("create"); err != nil {
		return "", err
	}
	p.accounts[spec.Ref] = spec.ExpiresAt
	if p.lost > 0 {
		p.lost--
		return "", panelDown()
	}
	return spec.Ref, nil
}

func (p *fakePanel) RenewAccount(_ context.Context, ref string, newExpiry time.Time, _ adapter.AccountSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.next("renew"); err != nil {
		return err
	}
	if _, ok := p.accounts[ref]; !ok {
		return &domain.TerminalExternalError{Op: "renew", Kind: domain.ErrAccountNotFound}
	}
	p.accounts[ref] = newExpiry
	p.disabled[ref] = false
	return nil
}

func (p *fakePanel) DisableAccount(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.next("disable"); err != nil {
		return err
	}
	p.disabled[ref] = true
	return nil
}

func (p *fakePanel) FetchAccessURI(_ context.Context, ref string) (*adapter.AccessURI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.next("fetch"); err != nil {
		return nil, err
	}
	return &adapter.AccessURI{
		SubscriptionURL: "https://panel.test/sub/" + ref + "/",
		Deeplink:        "hiddify://import/https://panel.test/sub/" + ref + "/",
	}, nil
}

func panelDown() error {
	return &domain.RetryableExternalError{Op: "panel", Err: domain.ErrPanelUnavailable}
}

// -----------------------------
// Notifier, issuer, QR
// -----------------------------

type activation struct {
	userID    string
	expiresAt time.Time
	access    *adapter.AccessURI
	qr        []byte
}

type fakeNotifier struct {
	mu          sync.Mutex
	reminders   []string
	activations []activation
	alerts      []adapter.OperatorAlert
	reminderErr error
}

func (n *fakeNotifier) NotifyReminder(_ context.Context, userID string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reminderErr != nil {
		return n.reminderErr
	}
	n.reminders = append(n.reminders, userID)
	return nil
}

func (n *fakeNotifier) NotifyActivated(_ context.Context, userID string, expiresAt time.Time, access *adapter.AccessURI, qr []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activations = append(n.activations, activation{userID, expiresAt, access, qr})
	return nil
}

func (n *fakeNotifier) Alert(_ context.Context, a adapter.OperatorAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *fakeNotifier) Reminders() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.reminders...)
}

func (n *fakeNotifier) Activations() []activation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]activation(nil), n.activations...)
}

func (n *fakeNotifier) AlertKinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type fakeIssuer struct {
	mu   sync.Mutex
	sent []*model.Invoice
	err  error
}

func (i *fakeIssuer) SendInvoice(_ context.Context, inv *model.Invoice, _ *model.Plan) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.sent = append(i.sent, inv)
	return nil
}

func (i *fakeIssuer) Sent() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sent)
}

type fakeQR struct{}

func (fakeQR) Encode(content string, _ int) ([]byte, error) {
	return []byte("png:" + content), nil
}

// -----------------------------
// Harness
// -----------------------------

type harness struct {
	store    *memory.Store
	clock    *clock
	panel    *fakePanel
	notifier *fakeNotifier
	issuer   *fakeIssuer
	catalog  *model.Catalog

	subs     *usecase.SubscriptionUseCase
	payments *usecase.PaymentUseCase
	sweep    *usecase.SweepUseCase
	gateway  *usecase.GatewayUseCase
	admin    *usecase.AdminUseCase
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()

	lite, err := model.NewPlan("lite", "Lite", 30, 50, 2, 100)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	plus, err := model.NewPlan("plus", "Plus", 90, 200, 5, 250)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	catalog, err := model.NewCatalog(lite, plus)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	h := &harness{
		store:    memory.New(),
		clock:    &clock{now: t0},
		panel:    newFakePanel(),
		notifier: &fakeNotifier{},
		issuer:   &fakeIssuer{},
		catalog:  catalog,
	}
	s := h.store

	h.subs = usecase.NewSubscriptionUseCase(
		s.Subscriptions(), s.Invoices(), s.PanelJobs(), s.Audit(), s,
		h.panel, h.notifier, lockmap.New(),
		usecase.LifecycleConfig{
			ReminderWindow:  72 * time.Hour,
			RetryBudget:     3,
			RetryBackoff:    time.Minute,
			RetryBackoffMax: time.Hour,
			PanelTimeout:    time.Second,
			NotifyTimeout:   time.Second,
			DisplayPrefix:   "tg-",
		},
		&logger,
	).WithClock(h.clock.Now)

	h.payments = usecase.NewPaymentUseCase(h.subs, s.Invoices(), s.ProcessedEvents(), s.Audit(),
		h.panel, h.notifier, fakeQR{},
		usecase.PaymentConfig{ConflictRetries: 3, NotifyTimeout: time.Second}, &logger,
	).WithClock(h.clock.Now)

	h.sweep = usecase.NewSweepUseCase(h.subs, s.Subscriptions(), s.Invoices(), s.ProcessedEvents(), s.PanelJobs(), usecase.SweepConfig{
		ReminderWindow: 72 * time.Hour,
		GraceTolerance: day,
		InvoiceTTL:     day,
		Concurrency:    4,
		PageSize:       2,
		CommandTimeout: time.Second,
	}, &logger).WithClock(h.clock.Now)

	h.gateway = usecase.NewGatewayUseCase(h.subs, s.Invoices(), catalog, h.issuer, h.panel, fakeQR{},
		usecase.GatewayConfig{ConflictRetries: 3, PanelTimeout: time.Second}, &logger)
	h.admin = usecase.NewAdminUseCase(h.subs, s.Audit(), catalog, 3)
	return h
}

func (h *harness) purchase(t *testing.T, userID, planID string) *model.Invoice {
	t.Helper()
	inv, err := h.gateway.Purchase(context.Background(), userID, planID)
	if err != nil {
		t.Fatalf("purchase %s for %s: %v", planID, userID, err)
	}
	return inv
}

func (h *harness) pay(t *testing.T, inv *model.Invoice, eventID string) ucport.Ack {
	t.Helper()
	ack, err := h.payments.Handle(context.Background(), model.PaymentEvent{
		GatewayEventID: eventID,
		InvoiceID:      inv.ID,
		UserID:         inv.UserID,
		Amount:         inv.Amount,
	})
	if err != nil {
		t.Fatalf("pay %s: %v", inv.ID, err)
	}
	return ack
}

// activate buys and pays a plan, returning the active subscription.
func (h *harness) activate(t *testing.T, userID, planID string) *model.Subscription {
	t.Helper()
	inv := h.purchase(t, userID, planID)
	h.pay(t, inv, "charge-"+inv.ID)
	sub := h.get(t, userID)
	if sub.Status != model.SubscriptionStatusActive {
		t.Fatalf("expected %s to be active, got %s", userID, sub.Status)
	}
	return sub
}

func (h *harness) get(t *testing.T, userID string) *model.Subscription {
	t.Helper()
	sub, err := h.subs.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get %s: %v", userID, err)
	}
	return sub
}

func (h *harness) invoice(t *testing.T, id string) *model.Invoice {
	t.Helper()
	inv, err := h.store.Invoices().FindByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("invoice %s: %v", id, err)
	}
	return inv
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
