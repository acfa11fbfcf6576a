package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/infra/metrics"
)

type commandHandler func(ctx context.Context, msg *tgbotapi.Message) error

func (b *Bot) commandRoutes() map[string]commandHandler {
	return map[string]commandHandler{
		"start":  b.handlePlans,
		"plans":  b.handlePlans,
		"buy":    b.handleBuy,
		"status": b.handleStatus,
		"qr":     b.handleQR,
		"cancel": b.handleCancel,

		"suspend": b.adminOnly(b.handleSuspend),
		"retry":   b.adminOnly(b.handleRetry),
		"audit":   b.adminOnly(b.handleAudit),
	}
}

func (b *Bot) onCommand(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	h, ok := b.commandRoutes()[msg.Command()]
	if !ok {
		return nil
	}
	metrics.IncTelegramCommand("/" + msg.Command())
	return h(ctx, msg)
}

func (b *Bot) adminOnly(next commandHandler) commandHandler {
	return func(ctx context.Context, msg *tgbotapi.Message) error {
		if !b.isAdmin(msg.From.ID) {
			metrics.IncAdminCommand("/"+msg.Command(), "unauthorized")
			return nil
		}
		metrics.IncAdminCommand("/"+msg.Command(), "authorized")
		return next(ctx, msg)
	}
}

func userIDOf(msg *tgbotapi.Message) string {
	return strconv.FormatInt(msg.From.ID, 10)
}

// fail replies with the user-safe rendering of err.
func (b *Bot) fail(ctx context.Context, msg *tgbotapi.Message, err error) error {
	b.log.Debug().Err(err).Str("user_id", userIDOf(msg)).Str("command", msg.Command()).Msg("command failed")
	return b.sender.reply(ctx, msg.Chat.ID, domain.UserMessage(err))
}

func (b *Bot) handlePlans(ctx context.Context, msg *tgbotapi.Message) error {
	var sb strings.Builder
	sb.WriteString("Available plans:\n")
	for _, p := range b.gateway.Plans() {
		fmt.Fprintf(&sb, "\n%s: %d days, %d GB, %d devices, %d ⭐\n/buy %s\n", p.Name, p.Days, p.TrafficGB, p.Devices, p.PriceXTR, p.ID)
	}
	return b.sender.reply(ctx, msg.Chat.ID, sb.String())
}

func (b *Bot) handleBuy(ctx context.Context, msg *tgbotapi.Message) error {
	planID := strings.TrimSpace(msg.CommandArguments())
	if planID == "" {
		return b.sender.reply(ctx, msg.Chat.ID, "Usage: /buy <plan id>. See /plans.")
	}
	userID := userIDOf(msg)
	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, userID, "purchase")
		if err != nil {
			b.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			metrics.IncRateLimitTriggered("purchase")
			return b.sender.reply(ctx, msg.Chat.ID, "Too many requests, please wait a minute.")
		}
	}
	// the invoice itself is the reply
	if _, err := b.gateway.Purchase(ctx, userID, planID); err != nil {
		return b.fail(ctx, msg, err)
	}
	return nil
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) error {
	view, err := b.gateway.Status(ctx, userIDOf(msg))
	if err != nil {
		return b.fail(ctx, msg, err)
	}
	return b.sender.reply(ctx, msg.Chat.ID, renderStatus(view.Subscription, view.Access != nil, accessLink(view.Access)))
}

func (b *Bot) handleQR(ctx context.Context, msg *tgbotapi.Message) error {
	png, err := b.gateway.AccessQR(ctx, userIDOf(msg))
	if err != nil {
		return b.fail(ctx, msg, err)
	}
	return b.sender.replyPhoto(ctx, msg.Chat.ID, png, "Scan this code in your VPN client.")
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.gateway.Cancel(ctx, userIDOf(msg)); err != nil {
		return b.fail(ctx, msg, err)
	}
	return b.sender.reply(ctx, msg.Chat.ID, "Your subscription is cancelled and access has been revoked.")
}

func (b *Bot) handleSuspend(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		return b.sender.reply(ctx, msg.Chat.ID, "Usage: /suspend <user id> [reason]")
	}
	sub, err := b.admin.Suspend(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return b.sender.reply(ctx, msg.Chat.ID, "Suspend failed: "+err.Error())
	}
	return b.sender.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %s is now %s (v%d).", sub.UserID, sub.Status, sub.Version))
}

func (b *Bot) handleRetry(ctx context.Context, msg *tgbotapi.Message) error {
	userID := strings.TrimSpace(msg.CommandArguments())
	if userID == "" {
		return b.sender.reply(ctx, msg.Chat.ID, "Usage: /retry <user id>")
	}
	sub, err := b.admin.RetryProvisioning(ctx, userID)
	if err != nil {
		return b.sender.reply(ctx, msg.Chat.ID, "Retry failed: "+err.Error())
	}
	return b.sender.reply(ctx, msg.Chat.ID, fmt.Sprintf("User %s is now %s (v%d).", sub.UserID, sub.Status, sub.Version))
}

func (b *Bot) handleAudit(ctx context.Context, msg *tgbotapi.Message) error {
	userID := strings.TrimSpace(msg.CommandArguments())
	if userID == "" {
		return b.sender.reply(ctx, msg.Chat.ID, "Usage: /audit <user id>")
	}
	entries, err := b.admin.Audit(ctx, userID, 10)
	if err != nil {
		return b.sender.reply(ctx, msg.Chat.ID, "Audit failed: "+err.Error())
	}
	if len(entries) == 0 {
		return b.sender.reply(ctx, msg.Chat.ID, "No history for "+userID)
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %s %s→%s v%d %s\n", e.CreatedAt.UTC().Format("01-02 15:04"), e.Command, e.OldStatus, e.NewStatus, e.Version, e.Detail)
	}
	return b.sender.reply(ctx, msg.Chat.ID, sb.String())
}

func renderStatus(sub *model.Subscription, hasAccess bool, link string) string {
	switch sub.Status {
	case model.SubscriptionStatusNone:
		return "You have no subscription yet. See /plans."
	case model.SubscriptionStatusPendingPayment:
		return "Your invoice is waiting for payment."
	case model.SubscriptionStatusSuspended:
		return "Your access has ended. Renew with /plans."
	case model.SubscriptionStatusCancelled:
		return "Your subscription is cancelled."
	}
	var s string
	if sub.ExpiresAt != nil {
		s = fmt.Sprintf("Access active until %s UTC.", sub.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	}
	if sub.Status == model.SubscriptionStatusGrace {
		s = strings.TrimSpace("Your payment is confirmed and access is being set up. " + s)
	}
	if hasAccess {
		s += "\n\n" + link + "\n\nUse /qr for a scannable code."
	}
	return s
}
