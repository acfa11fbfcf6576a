package telegram

import (
	"context"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/metrics"
	"telegram-vpn-subscription/internal/usecase"
)

// Gateway is the user-facing subset of the command gateway.
type Gateway interface {
	Plans() []*model.Plan
	Purchase(ctx context.Context, userID, planID string) (*model.Invoice, error)
	Cancel(ctx context.Context, userID string) (*model.Subscription, error)
	Status(ctx context.Context, userID string) (*usecase.StatusView, error)
	AccessQR(ctx context.Context, userID string) ([]byte, error)
}

// Admin is the operator subset reachable from chat.
type Admin interface {
	Suspend(ctx context.Context, userID, reason string) (*model.Subscription, error)
	RetryProvisioning(ctx context.Context, userID string) (*model.Subscription, error)
	Audit(ctx context.Context, userID string, limit int) ([]*model.AuditEntry, error)
}

// RateLimiter is satisfied by the Redis limiter.
type RateLimiter interface {
	Allow(ctx context.Context, userID, action string) (bool, error)
}

type BotOptions struct {
	UpdateWorkers int
	PollTimeout   int // seconds
	// HandleTimeout bounds the processing of one update.
	HandleTimeout time.Duration
	// PaymentRetries is how often a failed successful_payment intake is retried in process.
	PaymentRetries uint64
	PaymentBackoff time.Duration
}

// Bot polls updates and turns payments and commands into use case calls.
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   *Sender
	payments ucport.PaymentHandler
	gateway  Gateway
	admin    Admin
	limiter  RateLimiter
	adminIDs map[int64]struct{}
	opts     BotOptions
	log      *zerolog.Logger
	now      func() time.Time

	cancelPolling context.CancelFunc
}

func NewBot(api *tgbotapi.BotAPI, sender *Sender, payments ucport.PaymentHandler, gateway Gateway, admin Admin, limiter RateLimiter, adminIDs []int64, opts BotOptions, logger *zerolog.Logger) *Bot {
	if opts.UpdateWorkers <= 0 {
		opts.UpdateWorkers = 5
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 30 * time.Second
	}
	if opts.PaymentBackoff <= 0 {
		opts.PaymentBackoff = time.Second
	}
	adminMap := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		adminMap[id] = struct{}{}
	}
	l := logger.With().Str("component", "telegram_bot").Logger()
	return &Bot{
		api:      api,
		sender:   sender,
		payments: payments,
		gateway:  gateway,
		admin:    admin,
		limiter:  limiter,
		adminIDs: adminMap,
		opts:     opts,
		log:      &l,
		now:      time.Now,
	}
}

// StartPolling processes updates concurrently until ctx is canceled.
func (b *Bot) StartPolling(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	u.AllowedUpdates = []string{"message", "pre_checkout_query"}
	updates := b.api.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	b.cancelPolling = cancel

	var wg sync.WaitGroup
	updateChan := make(chan tgbotapi.Update, 100)
	for i := 0; i < b.opts.UpdateWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for up := range updateChan {
				b.handleUpdate(ctx, up)
			}
		}()
	}

	b.log.Info().Int("workers", b.opts.UpdateWorkers).Msg("telegram polling started")
	defer func() {
		b.api.StopReceivingUpdates()
		close(updateChan)
		wg.Wait()
		b.log.Info().Msg("telegram polling stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case updateChan <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *Bot) StopPolling() {
	if b.cancelPolling != nil {
		b.cancelPolling()
	}
}

func (b *Bot) handleUpdate(ctx context.Context, up tgbotapi.Update) {
	// in-flight updates finish after polling stops
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.HandleTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error().Interface("panic", rec).Int("update_id", up.UpdateID).Msg("panic while handling update")
		}
	}()

	var err error
	switch {
	case up.PreCheckoutQuery != nil:
		err = b.onPreCheckout(ctx, up.PreCheckoutQuery)
	case up.Message != nil && up.Message.SuccessfulPayment != nil:
		err = b.onSuccessfulPayment(ctx, up.Message)
	case up.Message != nil && up.Message.IsCommand():
		err = b.onCommand(ctx, up.Message)
	}
	if err != nil {
		b.log.Error().Err(err).Int("update_id", up.UpdateID).Msg("failed to handle update")
	}
}

// onPreCheckout must answer within ten seconds or Telegram cancels the payment.
func (b *Bot) onPreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) error {
	userID := strconv.FormatInt(q.From.ID, 10)
	p, err := decodePayload(q.InvoicePayload)
	if err == nil && q.Currency != model.CurrencyXTR {
		err = domain.Invalid(domain.ErrAmountMismatch, "currency %s", q.Currency)
	}
	if err == nil {
		err = b.payments.Precheck(ctx, p.InvoiceID, userID, int64(q.TotalAmount))
	}
	if err != nil {
		b.log.Info().Err(err).Str("user_id", userID).Str("invoice_id", p.InvoiceID).Msg("pre-checkout rejected")
		return b.sender.answerPreCheckout(ctx, q.ID, false, precheckReason(err))
	}
	return b.sender.answerPreCheckout(ctx, q.ID, true, "")
}

func precheckReason(err error) string {
	if domain.IsValidation(err) {
		return "This invoice is no longer valid. Please request a new one with /plans."
	}
	return domain.MsgProcessing
}

// onSuccessfulPayment is the only delivery of this event, so transient
// failures are retried here and then escalated.
func (b *Bot) onSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) error {
	sp := msg.SuccessfulPayment
	userID := strconv.FormatInt(msg.From.ID, 10)
	ev := model.PaymentEvent{
		GatewayEventID: sp.TelegramPaymentChargeID,
		UserID:         userID,
		Amount:         int64(sp.TotalAmount),
		ReceivedAt:     b.now().UTC(),
	}
	if p, err := decodePayload(sp.InvoicePayload); err == nil {
		ev.InvoiceID = p.InvoiceID
	}

	var ack ucport.Ack
	backoff := retry.WithMaxRetries(b.opts.PaymentRetries, retry.NewExponential(b.opts.PaymentBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var herr error
		ack, herr = b.payments.Handle(ctx, ev)
		if herr != nil && !domain.IsValidation(herr) {
			return retry.RetryableError(herr)
		}
		return herr
	})
	metrics.ObservePaymentAck("telegram", ev, ack, err)
	if err == nil || domain.IsValidation(err) {
		return nil
	}

	b.log.Error().Err(err).Str("charge_id", ev.GatewayEventID).Str("user_id", userID).Msg("payment intake failed after retries")
	alert := adapter.OperatorAlert{
		UserID:    userID,
		InvoiceID: ev.InvoiceID,
		Kind:      adapter.AlertUnresolvablePayment,
		Message:   "Telegram payment " + ev.GatewayEventID + " could not be recorded: " + err.Error(),
	}
	if aerr := b.sender.Alert(ctx, alert); aerr != nil {
		b.log.Error().Err(aerr).Msg("failed to alert operators about lost payment")
	}
	return err
}

func (b *Bot) isAdmin(tgID int64) bool {
	_, ok := b.adminIDs[tgID]
	return ok
}
