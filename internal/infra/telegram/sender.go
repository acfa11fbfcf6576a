// Package telegram carries payments, reminders and alerts over the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/infra/metrics"
)

var (
	_ adapter.Notifier      = (*Sender)(nil)
	_ adapter.InvoiceIssuer = (*Sender)(nil)
)

// botAPI is the part of *tgbotapi.BotAPI the sender needs.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// invoicePayload travels through Telegram and comes back on pre-checkout and payment.
type invoicePayload struct {
	InvoiceID string `json:"invoice_id"`
	UserID    string `json:"user_id"`
}

func encodePayload(inv *model.Invoice) (string, error) {
	b, err := json.Marshal(invoicePayload{InvoiceID: inv.ID, UserID: inv.UserID})
	return string(b), err
}

func decodePayload(s string) (invoicePayload, error) {
	var p invoicePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, domain.Invalid(domain.ErrUnknownInvoice, "malformed invoice payload")
	}
	if p.InvoiceID == "" {
		return p, domain.Invalid(domain.ErrUnknownInvoice, "payload without invoice id")
	}
	return p, nil
}

// Sender delivers invoices and notifications. Users are addressed by their
// Telegram id, which is also their subscription user id.
type Sender struct {
	api    botAPI
	admins []int64
	log    *zerolog.Logger
}

func NewSender(api *tgbotapi.BotAPI, adminIDs []int64, logger *zerolog.Logger) *Sender {
	return newSender(api, adminIDs, logger)
}

func newSender(api botAPI, adminIDs []int64, logger *zerolog.Logger) *Sender {
	l := logger.With().Str("component", "telegram_sender").Logger()
	return &Sender{api: api, admins: adminIDs, log: &l}
}

func (s *Sender) SendInvoice(ctx context.Context, inv *model.Invoice, plan *model.Plan) error {
	const op = "telegram.send_invoice"
	chatID, err := chatIDOf(inv.UserID)
	if err != nil {
		return err
	}
	payload, err := encodePayload(inv)
	if err != nil {
		return &domain.TerminalExternalError{Op: op, Kind: domain.ErrDeliveryFailed, Err: err}
	}
	desc := fmt.Sprintf("%d days, %d GB, up to %d devices", inv.DurationDays, inv.TrafficGB, inv.Devices)
	cfg := tgbotapi.NewInvoice(chatID, plan.Name, desc, payload, "", "", model.CurrencyXTR,
		[]tgbotapi.LabeledPrice{{Label: plan.Name, Amount: int(inv.Amount)}})
	cfg.SuggestedTipAmounts = []int{}

	err = s.send(ctx, op, cfg)
	metrics.IncInvoiceIssued(plan.ID, status(err))
	return err
}

func (s *Sender) NotifyReminder(ctx context.Context, userID string, expiresAt time.Time) error {
	chatID, err := chatIDOf(userID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Your VPN access ends on %s UTC. Use /plans to renew; time left is kept.",
		expiresAt.UTC().Format("2006-01-02 15:04"))
	err = s.send(ctx, "telegram.reminder", tgbotapi.NewMessage(chatID, text))
	metrics.IncNotification("reminder", status(err))
	return err
}

// NotifyActivated sends the access links and, when available, the QR code.
func (s *Sender) NotifyActivated(ctx context.Context, userID string, expiresAt time.Time, access *adapter.AccessURI, qrPNG []byte) error {
	chatID, err := chatIDOf(userID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Payment received. Your VPN access is active until %s UTC.", expiresAt.UTC().Format("2006-01-02 15:04"))
	if access != nil {
		fmt.Fprintf(&b, "\n\nSubscription link:\n%s\n\nImport into Hiddify:\n%s", access.SubscriptionURL, access.Deeplink)
	}
	err = s.send(ctx, "telegram.activated", tgbotapi.NewMessage(chatID, b.String()))
	if err == nil && len(qrPNG) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "access.png", Bytes: qrPNG})
		photo.Caption = "Scan this code in your VPN client."
		if perr := s.send(ctx, "telegram.activated_qr", photo); perr != nil {
			s.log.Warn().Err(perr).Str("user_id", userID).Msg("failed to send access qr")
		}
	}
	metrics.IncNotification("activated", status(err))
	return err
}

// Alert reaches every configured operator; it fails only if nobody got it.
func (s *Sender) Alert(ctx context.Context, a adapter.OperatorAlert) error {
	if len(s.admins) == 0 {
		s.log.Warn().Str("kind", a.Kind).Str("user_id", a.UserID).Msg("operator alert with no admins configured: " + a.Message)
		return nil
	}
	text := fmt.Sprintf("⚠️ %s\nuser: %s\ninvoice: %s\n\n%s", a.Kind, a.UserID, orDash(a.InvoiceID), a.Message)
	var errs []error
	for _, id := range s.admins {
		if err := s.send(ctx, "telegram.alert", tgbotapi.NewMessage(id, text)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(s.admins) {
		metrics.IncNotification("alert", "error")
		return errors.Join(errs...)
	}
	metrics.IncNotification("alert", "sent")
	return nil
}

func (s *Sender) reply(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, "telegram.reply", tgbotapi.NewMessage(chatID, text))
}

func (s *Sender) replyPhoto(ctx context.Context, chatID int64, png []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "access.png", Bytes: png})
	photo.Caption = caption
	return s.send(ctx, "telegram.reply_photo", photo)
}

func (s *Sender) answerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	cfg := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		cfg.ErrorMessage = reason
	}
	if err := ctx.Err(); err != nil {
		return &domain.RetryableExternalError{Op: "telegram.pre_checkout", Err: err}
	}
	_, err := s.api.Request(cfg)
	return classify("telegram.pre_checkout", err)
}

func (s *Sender) send(ctx context.Context, op string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return &domain.RetryableExternalError{Op: op, Err: err}
	}
	_, err := s.api.Send(c)
	return classify(op, err)
}

// classify splits Bot API failures: blocked chats and bad requests will not
// heal, flood limits and server errors will.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrDeliveryFailed, err)}
		case apiErr.Code >= 400:
			return &domain.TerminalExternalError{Op: op, Kind: domain.ErrDeliveryFailed, Err: err}
		}
	}
	return &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrDeliveryFailed, err)}
}

func chatIDOf(userID string) (int64, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, domain.Invalid(domain.ErrInvalidArgument, "user id %q is not a telegram id", userID)
	}
	return id, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "sent"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func accessLink(a *adapter.AccessURI) string {
	if a == nil {
		return ""
	}
	return a.SubscriptionURL
}
