// Package amqp consumes confirmed payment events from RabbitMQ.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/infra/logging"
	"telegram-vpn-subscription/internal/infra/metrics"
)

// Consumer delivers queued payment events to the reconciler with manual acks.
// A message is acked once its event is applied, duplicated or rejected, and
// requeued when handling failed for a reason that may go away.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	prefetch int
	handler  ucport.PaymentHandler
	timeout  time.Duration
	log      *zerolog.Logger

	mu        sync.Mutex
	running   bool
	closeChan chan struct{}
}

func NewConsumer(cfg *config.AMQPConfig, handler ucport.PaymentHandler, timeout time.Duration, logger *zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	l := logger.With().Str("component", "amqp_consumer").Str("queue", cfg.Queue).Logger()
	l.Info().Msg("RabbitMQ consumer connected")
	return &Consumer{
		conn:      conn,
		channel:   ch,
		queue:     cfg.Queue,
		prefetch:  cfg.Prefetch,
		handler:   handler,
		timeout:   timeout,
		log:       &l,
		closeChan: make(chan struct{}),
	}, nil
}

// Start consumes until ctx is done or Close is called. Deliveries are handled
// one at a time so the prefetch window bounds unacked messages.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.Info().Msg("started consuming payment events")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consumer context cancelled, stopping")
			return ctx.Err()
		case <-c.closeChan:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed unexpectedly")
			}
			c.deliver(ctx, msg)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg amqp.Delivery) {
	// an unacked message is redelivered after restart, so handling is not cut short by shutdown
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if requeue, done := c.process(hctx, msg.Body); !done {
		if err := msg.Nack(false, requeue); err != nil {
			c.log.Error().Err(err).Msg("failed to nack message")
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.log.Error().Err(err).Msg("failed to ack message")
	}
}

// process hands one message body to the reconciler. done reports whether the
// message may be acked; otherwise requeue tells whether to deliver it again.
func (c *Consumer) process(ctx context.Context, body []byte) (requeue, done bool) {
	var ev model.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.log.Error().Err(err).Int("bytes", len(body)).Msg("dropping undecodable payment event")
		metrics.IncPaymentEvent("amqp", "malformed")
		return false, true
	}
	ctx = logging.WithEventID(ctx, ev.GatewayEventID)
	log := logging.With(ctx, c.log)

	start := time.Now()
	ack, err := c.handler.Handle(ctx, ev)
	label := metrics.ObservePaymentAck("amqp", ev, ack, err)
	switch {
	case err == nil:
		log.Debug().Str("outcome", label).Dur("took", time.Since(start)).Msg("payment event processed")
		return false, true
	case domain.IsValidation(err):
		log.Warn().Err(err).Msg("payment event rejected")
		return false, true
	default:
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("payment event handling failed, requeueing")
		return true, false
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closeChan:
	default:
		close(c.closeChan)
	}
	c.running = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing channel")
		}
		c.channel = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		return conn.Close()
	}
	return nil
}
