package main

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/domain/ports/repository"
	"telegram-vpn-subscription/internal/infra/amqp"
	"telegram-vpn-subscription/internal/infra/api"
	"telegram-vpn-subscription/internal/infra/db/memory"
	"telegram-vpn-subscription/internal/infra/db/postgres"
	"telegram-vpn-subscription/internal/infra/lockmap"
	"telegram-vpn-subscription/internal/infra/metrics"
	"telegram-vpn-subscription/internal/infra/panel"
	"telegram-vpn-subscription/internal/infra/qrcode"
	red "telegram-vpn-subscription/internal/infra/redis"
	"telegram-vpn-subscription/internal/infra/sched"
	"telegram-vpn-subscription/internal/infra/telegram"
	"telegram-vpn-subscription/internal/usecase"
)

type app struct {
	pool     *pgxpool.Pool
	redis    *red.Client
	server   *api.Server
	bot      *telegram.Bot
	consumer *amqp.Consumer

	sweep       *usecase.SweepUseCase
	sweepWorker *sched.SweepWorker
	retryWorker *sched.RetryWorker
	reconciler  *sched.PaymentReconciler

	log *zerolog.Logger
}

type repos struct {
	subs     repository.SubscriptionRepository
	invoices repository.InvoiceRepository
	events   repository.ProcessedEventRepository
	jobs     repository.PanelJobRepository
	audit    repository.AuditRepository
	tm       repository.TransactionManager
}

// notifier is what the use cases need from the chat side.
type notifier interface {
	adapter.Notifier
	adapter.InvoiceIssuer
}

func build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (a *app, err error) {
	a = &app{log: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	catalog, err := buildCatalog(cfg.Plans)
	if err != nil {
		return nil, err
	}

	var rs repos
	if cfg.Runtime.Dev && cfg.Database.URL == "" {
		store := memory.New()
		rs = repos{store.Subscriptions(), store.Invoices(), store.ProcessedEvents(), store.PanelJobs(), store.Audit(), store}
		logger.Warn().Msg("using in-memory store, state is lost on exit")
	} else {
		a.pool, err = postgres.Connect(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, a.pool, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rs = repos{
			subs:     postgres.NewSubscriptionRepo(a.pool),
			invoices: postgres.NewInvoiceRepo(a.pool),
			events:   postgres.NewProcessedEventRepo(a.pool),
			jobs:     postgres.NewPanelJobRepo(a.pool),
			audit:    postgres.NewAuditRepo(a.pool),
			tm:       postgres.NewTxManager(a.pool),
		}
	}

	var locker adapter.UserLocker = lockmap.New()
	var limiter *red.RateLimiter
	if cfg.Redis.URL != "" {
		a.redis, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		if cfg.Redis.LockEnabled {
			locker = red.NewUserLock(a.redis, cfg.Redis.LockTTL, logger)
		}
		if cfg.HTTP.PurchaseLimit > 0 {
			limiter = red.NewRateLimiter(a.redis, cfg.HTTP.PurchaseLimit, cfg.HTTP.PurchaseWindow)
		}
	}

	var (
		botAPI *tgbotapi.BotAPI
		sender *telegram.Sender
		chat   notifier
	)
	if cfg.Bot.Token != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.Bot.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = telegram.NewSender(botAPI, cfg.Bot.AdminIDs, logger)
		chat = sender
	} else {
		chat = telegram.NewLogSender(logger)
	}

	panelClient := panel.New(&cfg.Panel, logger)
	qr := qrcode.Encoder{}
	lc := cfg.Lifecycle

	stateMachine := usecase.NewSubscriptionUseCase(
		rs.subs, rs.invoices, rs.jobs, rs.audit, rs.tm,
		panelClient, chat, locker,
		usecase.LifecycleConfig{
			ReminderWindow:  lc.ReminderWindow,
			RetryBudget:     lc.RetryBudget,
			RetryBackoff:    lc.RetryBackoff,
			RetryBackoffMax: lc.RetryBackoffMax,
			PanelTimeout:    cfg.Panel.Timeout,
			NotifyTimeout:   cfg.Bot.Timeout,
			DisplayPrefix:   lc.DisplayPrefix,
		},
		logger,
	).OnCommit(metrics.ObserveTransition)
	subs := metrics.InstrumentSubscriptions(stateMachine)

	payments := usecase.NewPaymentUseCase(subs, rs.invoices, rs.events, rs.audit, panelClient, chat, qr,
		usecase.PaymentConfig{ConflictRetries: lc.ConflictRetries, NotifyTimeout: cfg.Bot.Timeout, QRSize: lc.QRSize}, logger)
	gateway := usecase.NewGatewayUseCase(subs, rs.invoices, catalog, chat, panelClient, qr,
		usecase.GatewayConfig{ConflictRetries: lc.ConflictRetries, PanelTimeout: cfg.Panel.Timeout, QRSize: lc.QRSize}, logger)
	admin := usecase.NewAdminUseCase(subs, rs.audit, catalog, lc.ConflictRetries)

	sc := cfg.Scheduler
	a.sweep = usecase.NewSweepUseCase(subs, rs.subs, rs.invoices, rs.events, rs.jobs, usecase.SweepConfig{
		ReminderWindow: lc.ReminderWindow,
		GraceTolerance: lc.GraceTolerance,
		InvoiceTTL:     lc.InvoiceTTL,
		Concurrency:    sc.Concurrency,
		PageSize:       sc.PageSize,
		CommandTimeout: sc.CommandTimeout,
	}, logger)
	a.sweepWorker = sched.NewSweepWorker(sc.SweepInterval, a.sweep, rs.subs, logger)
	a.retryWorker = sched.NewRetryWorker(sc.RetryInterval, a.sweep, logger)
	a.reconciler = sched.NewPaymentReconciler(payments, sc.ReconcileInterval, sc.ReconcileAge, sc.PageSize, logger)

	checks := map[string]api.HealthCheck{}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	var httpLimiter api.RateLimiter
	var botLimiter telegram.RateLimiter
	if limiter != nil {
		httpLimiter, botLimiter = limiter, limiter
	}
	a.server = api.NewServer(cfg.HTTP, gateway, admin, payments, httpLimiter, checks, logger)

	if botAPI != nil {
		a.bot = telegram.NewBot(botAPI, sender, payments, gateway, admin, botLimiter, cfg.Bot.AdminIDs, telegram.BotOptions{
			PollTimeout:    cfg.Bot.PollTimeout,
			HandleTimeout:  sc.CommandTimeout,
			PaymentRetries: 3,
		}, logger)
	}

	if cfg.AMQP.URL != "" {
		a.consumer, err = amqp.NewConsumer(&cfg.AMQP, payments, sc.CommandTimeout, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func buildCatalog(plans []config.PlanConfig) (*model.Catalog, error) {
	out := make([]*model.Plan, 0, len(plans))
	for _, pc := range plans {
		p, err := model.NewPlan(pc.ID, pc.Name, pc.Days, pc.TrafficGB, pc.Devices, pc.PriceXTR)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", pc.ID, err)
		}
		out = append(out, p)
	}
	return model.NewCatalog(out...)
}

func (a *app) close() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
