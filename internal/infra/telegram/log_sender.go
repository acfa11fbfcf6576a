package telegram

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

var (
	_ adapter.Notifier      = (*LogSender)(nil)
	_ adapter.InvoiceIssuer = (*LogSender)(nil)
)

// LogSender stands in for Telegram when no bot token is configured.
type LogSender struct {
	log *zerolog.Logger
}

func NewLogSender(logger *zerolog.Logger) *LogSender {
	l := logger.With().Str("component", "log_sender").Logger()
	return &LogSender{log: &l}
}

func (s *LogSender) SendInvoice(_ context.Context, inv *model.Invoice, plan *model.Plan) error {
	s.log.Info().Str("user_id", inv.UserID).Str("invoice_id", inv.ID).Str("plan_id", plan.ID).Int64("amount", inv.Amount).Msg("invoice issued")
	return nil
}

func (s *LogSender) NotifyReminder(_ context.Context, userID string, expiresAt time.Time) error {
	s.log.Info().Str("user_id", userID).Time("expires_at", expiresAt).Msg("reminder")
	return nil
}

func (s *LogSender) NotifyActivated(_ context.Context, userID string, expiresAt time.Time, access *adapter.AccessURI, qrPNG []byte) error {
	ev := s.log.Info().Str("user_id", userID).Time("expires_at", expiresAt).Int("qr_bytes", len(qrPNG))
	if access != nil {
		ev = ev.Str("subscription_url", access.SubscriptionURL)
	}
	ev.Msg("access activated")
	return nil
}

func (s *LogSender) Alert(_ context.Context, a adapter.OperatorAlert) error {
	s.log.Warn().Str("kind", a.Kind).Str("user_id", a.UserID).Str("invoice_id", a.InvoiceID).Msg(a.Message)
	return nil
}
