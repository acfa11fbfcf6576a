// Package panel talks to a Hiddify panel through its v2 admin API.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
	"telegram-vpn-subscription/internal/infra/metrics"
)

var _ adapter.PanelClient = (*Client)(nil)

const maxBody = 1 << 20

// Client is safe for concurrent use. One breaker guards every call so a
// dead panel fails fast for all users at once.
type Client struct {
	http       *http.Client
	adminBase  string
	userBase   string
	apiKey     string
	maxRetries uint64
	retryBase  time.Duration
	shortLinks bool
	subName    string
	breaker    *gobreaker.CircuitBreaker[[]byte]
	log        *zerolog.Logger
	now        func() time.Time
}

func New(cfg *config.PanelConfig, logger *zerolog.Logger) *Client {
	l := logger.With().Str("component", "panel").Logger()
	base := strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		adminBase:  joinPath(base, cfg.AdminPath) + "/api/v2/admin",
		userBase:   joinPath(base, cfg.UserPath),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		retryBase:  200 * time.Millisecond,
		shortLinks: cfg.ShortLinks,
		subName:    cfg.SubscriptionName,
		log:        &l,
		now:        time.Now,
	}
	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "panel",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		// a definitive answer from the panel proves it is up
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("panel circuit breaker state changed")
			metrics.SetPanelBreakerState(int(to))
		},
	})
	return c
}

// WithClock overrides time.Now for package_days arithmetic.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// WithRetryBase sets the first backoff step for idempotent retries.
func (c *Client) WithRetryBase(d time.Duration) *Client {
	c.retryBase = d
	return c
}

// call runs one API request through the breaker. Idempotent requests are
// retried on retryable failures; creates never are.
func (c *Client) call(ctx context.Context, op, method, url string, headers map[string]string, in, out any, idempotent bool) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObservePanelCall(op, adapter.Classify(err).String(), time.Since(start))
	}()

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return &domain.TerminalExternalError{Op: op, Kind: domain.ErrPanelRejected, Err: err}
		}
	}

	attempt := func(ctx context.Context) error {
		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.roundTrip(ctx, op, method, url, headers, payload)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// fail fast, retrying against an open breaker cannot help
			return &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrPanelUnavailable, err)}
		}
		if err != nil {
			if idempotent && domain.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return &domain.RetryableExternalError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return nil
	}

	if !idempotent || c.maxRetries == 0 {
		return attempt(ctx)
	}
	b := retry.WithMaxRetries(c.maxRetries, retry.WithJitterPercent(10, retry.NewExponential(c.retryBase)))
	err = retry.Do(ctx, b, attempt)
	if err != nil && !domain.IsRetryable(err) && !domain.IsTerminal(err) {
		// ctx ended between attempts
		err = &domain.RetryableExternalError{Op: op, Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, url string, headers map[string]string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, &domain.TerminalExternalError{Op: op, Kind: domain.ErrPanelRejected, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Hiddify-API-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrPanelUnavailable, err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrPanelUnavailable, err)}
	}
	if err := classifyStatus(op, resp.StatusCode, body); err != nil {
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("panel returned an error status")
		return nil, err
	}
	return body, nil
}

// classifyStatus maps an HTTP status onto the retryable/terminal split.
func classifyStatus(op string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	detail := fmt.Errorf("status %d: %s", code, snippet(body))
	switch {
	case code == http.StatusNotFound:
		return &domain.TerminalExternalError{Op: op, Kind: domain.ErrAccountNotFound, Err: detail}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &domain.TerminalExternalError{Op: op, Kind: domain.ErrPanelAuth, Err: detail}
	case code == http.StatusPaymentRequired, code == http.StatusConflict:
		return &domain.TerminalExternalError{Op: op, Kind: domain.ErrQuotaExceeded, Err: detail}
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return &domain.RetryableExternalError{Op: op, Err: errors.Join(domain.ErrPanelUnavailable, detail)}
	default:
		return &domain.TerminalExternalError{Op: op, Kind: domain.ErrPanelRejected, Err: detail}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func joinPath(base, p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return base
	}
	return base + "/" + p
}
