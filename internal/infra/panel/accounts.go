package panel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

const (
	day        = 24 * time.Hour
	dateLayout = "2006-01-02"
)

// user is the subset of the Hiddify user object this client reads and writes.
type user struct {
	UUID         string   `json:"uuid,omitempty"`
	Name         string   `json:"name,omitempty"`
	TelegramID   *int64   `json:"telegram_id,omitempty"`
	StartDate    *string  `json:"start_date,omitempty"`
	PackageDays  *int     `json:"package_days,omitempty"`
	UsageLimitGB *float64 `json:"usage_limit_GB,omitempty"`
	Enable       *bool    `json:"enable,omitempty"`
	IsActive     *bool    `json:"is_active,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Comment      string   `json:"comment,omitempty"`
}

func (c *Client) userURL(ref string) string {
	if ref == "" {
		return c.adminBase + "/user/"
	}
	return c.adminBase + "/user/" + url.PathEscape(ref) + "/"
}

// CreateAccount starts the package today so expiry is exact from day one.
func (c *Client) CreateAccount(ctx context.Context, spec adapter.AccountSpec) (string, error) {
	const op = "panel.create"
	start := startOfDay(c.now())
	body := user{
		UUID:         spec.Ref,
		Name:         spec.DisplayName,
		TelegramID:   telegramID(spec.UserID),
		StartDate:    ptr(start.Format(dateLayout)),
		PackageDays:  ptr(packageDays(start, spec.ExpiresAt)),
		UsageLimitGB: ptr(float64(spec.TrafficGB)),
		Enable:       ptr(true),
		IsActive:     ptr(true),
		Mode:         "no_reset",
		Comment:      comment(spec),
	}
	var created user
	if err := c.call(ctx, op, http.MethodPost, c.userURL(""), nil, body, &created, false); err != nil {
		return "", err
	}
	ref := created.UUID
	if ref == "" {
		ref = spec.Ref
	}
	if ref == "" {
		return "", &domain.TerminalExternalError{Op: op, Kind: domain.ErrPanelRejected, Err: errors.New("no uuid in response")}
	}
	c.log.Info().Str("user_id", spec.UserID).Str("ref", ref).Msg("panel account created")
	return ref, nil
}

// RenewAccount rewrites package_days so the account ends at newExpiry.
// Hiddify counts days from start_date, which stays as the panel has it.
func (c *Client) RenewAccount(ctx context.Context, ref string, newExpiry time.Time, spec adapter.AccountSpec) error {
	const op = "panel.renew"
	cur, err := c.getUser(ctx, op, ref)
	if err != nil {
		return err
	}

	patch := user{
		Enable:   ptr(true),
		IsActive: ptr(true),
		Mode:     "no_reset",
		Comment:  comment(spec),
	}
	start, ok := parseStart(cur.StartDate)
	if !ok {
		// never connected: pin the start so the count is ours
		start = startOfDay(c.now())
		patch.StartDate = ptr(start.Format(dateLayout))
	}
	patch.PackageDays = ptr(packageDays(start, newExpiry))
	limit := float64(spec.TrafficGB)
	if cur.UsageLimitGB != nil && *cur.UsageLimitGB > limit {
		limit = *cur.UsageLimitGB
	}
	patch.UsageLimitGB = ptr(limit)

	if err := c.call(ctx, op, http.MethodPatch, c.userURL(ref), nil, patch, nil, true); err != nil {
		return err
	}
	c.log.Info().Str("ref", ref).Time("expires_at", newExpiry).Int("package_days", *patch.PackageDays).Msg("panel account renewed")
	return nil
}

// DisableAccount treats a 404 as already disabled.
func (c *Client) DisableAccount(ctx context.Context, ref string) error {
	const op = "panel.disable"
	patch := user{Enable: ptr(false), IsActive: ptr(false)}
	err := c.call(ctx, op, http.MethodPatch, c.userURL(ref), nil, patch, nil, true)
	if errors.Is(err, domain.ErrAccountNotFound) {
		c.log.Info().Str("ref", ref).Msg("panel account already gone")
		return nil
	}
	return err
}

func (c *Client) FetchAccessURI(ctx context.Context, ref string) (*adapter.AccessURI, error) {
	const op = "panel.access"
	u, err := c.getUser(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	name := u.Name
	if name == "" {
		name = c.subName
	}

	prefix := c.userBase + "/" + ref + "/"
	sub := prefix + "#" + url.PathEscape(name)
	if c.shortLinks {
		if short := c.shortLink(ctx, ref, prefix); short != "" {
			sub = short
		}
	}
	return &adapter.AccessURI{
		SubscriptionURL: sub,
		Deeplink:        deeplink(sub, name),
	}, nil
}

// shortLink is optional; any failure falls back to the long URL.
func (c *Client) shortLink(ctx context.Context, ref, prefix string) string {
	var resp struct {
		FullURL string `json:"full_url"`
		Short   string `json:"short"`
		URL     string `json:"url"`
	}
	u := c.userBase + "/" + url.PathEscape(ref) + "/api/v2/user/short/"
	if err := c.call(ctx, "panel.short_link", http.MethodGet, u, map[string]string{"Hiddify-API-Key": ref}, nil, &resp, true); err != nil {
		c.log.Debug().Err(err).Str("ref", ref).Msg("short link unavailable")
		return ""
	}
	for _, cand := range []string{resp.FullURL, resp.Short, resp.URL} {
		if strings.HasPrefix(cand, prefix) {
			return cand
		}
	}
	return ""
}

func (c *Client) getUser(ctx context.Context, op, ref string) (*user, error) {
	if ref == "" {
		return nil, &domain.TerminalExternalError{Op: op, Kind: domain.ErrAccountNotFound, Err: errors.New("empty account ref")}
	}
	var u user
	if err := c.call(ctx, op, http.MethodGet, c.userURL(ref), nil, nil, &u, true); err != nil {
		return nil, err
	}
	return &u, nil
}

// packageDays rounds up so the panel never cuts access before expiresAt.
func packageDays(start, expiresAt time.Time) int {
	d := int(math.Ceil(expiresAt.Sub(start).Hours() / 24))
	if d < 1 {
		return 1
	}
	return d
}

func parseStart(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{dateLayout, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func deeplink(sub, name string) string {
	if i := strings.IndexByte(sub, '#'); i >= 0 {
		sub = sub[:i]
	}
	if name == "" {
		return "hiddify://import/" + sub
	}
	return "hiddify://import/" + sub + "#" + url.PathEscape(name)
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(day)
}

func telegramID(userID string) *int64 {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func comment(spec adapter.AccountSpec) string {
	return fmt.Sprintf("user=%s | devices=%d", spec.UserID, spec.Devices)
}

func ptr[T any](v T) *T { return &v }
