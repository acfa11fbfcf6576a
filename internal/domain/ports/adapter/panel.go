// File: internal/domain/ports/adapter/panel.go
package adapter

import (
	"context"
	"time"

	"telegram-vpn-subscription/internal/domain"
)

// AccountSpec describes the proxy account a plan entitles the user to.
type AccountSpec struct {
	// Ref is the account id to create under. Reusing it makes a repeated create detectable.
	Ref         string
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
	TrafficGB   int
	Devices     int
}

// AccessURI is what the user imports into a client application.
type AccessURI struct {
	SubscriptionURL string
	Deeplink        string
}

// PanelClient is the provisioning backend.
//
// Every method returns nil, a *domain.RetryableExternalError or a
// *domain.TerminalExternalError. Nothing else escapes an implementation.
type PanelClient interface {
	// CreateAccount creates the account under spec.Ref, or a panel-chosen id when empty.
	CreateAccount(ctx context.Context, spec AccountSpec) (ref string, err error)
	RenewAccount(ctx context.Context, ref string, newExpiry time.Time, spec AccountSpec) error
	// DisableAccount treats an already missing account as disabled.
	DisableAccount(ctx context.Context, ref string) error
	FetchAccessURI(ctx context.Context, ref string) (*AccessURI, error)
}

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// Classify turns an external call result into the value callers switch on.
// Unknown errors are treated as retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case domain.IsTerminal(err):
		return OutcomeTerminal
	default:
		return OutcomeRetryable
	}
}
