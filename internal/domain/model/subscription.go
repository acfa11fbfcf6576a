package model

import (
	"time"

	"telegram-vpn-subscription/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusNone           SubscriptionStatus = "none"
	SubscriptionStatusPendingPayment SubscriptionStatus = "pending_payment"
	SubscriptionStatusActive         SubscriptionStatus = "active"
	SubscriptionStatusGrace          SubscriptionStatus = "grace"
	SubscriptionStatusSuspended      SubscriptionStatus = "suspended"
	SubscriptionStatusCancelled      SubscriptionStatus = "cancelled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusPendingPayment, SubscriptionStatusActive,
		SubscriptionStatusGrace, SubscriptionStatusSuspended, SubscriptionStatusCancelled:
		return true
	}
	return false
}

// Live reports whether the subscription currently grants access.
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusGrace
}

// Subscription is the single lifecycle record kept per user.
type Subscription struct {
	UserID             string
	Status             SubscriptionStatus
	ExpiresAt          *time.Time // nil until the first successful activation
	PanelAccountRef    *string    // set once by the first successful provisioning
	LastReminderSentAt *time.Time
	PendingInvoiceID   *string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewSubscription returns the implicit record of a user who never purchased.
// It is not persisted until its first committed transition.
func NewSubscription(userID string, now time.Time) (*Subscription, error) {
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &Subscription{
		UserID:    userID,
		Status:    SubscriptionStatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so callers can mutate a candidate state freely.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ExpiresAt = cloneTime(s.ExpiresAt)
	cp.LastReminderSentAt = cloneTime(s.LastReminderSentAt)
	cp.PanelAccountRef = cloneString(s.PanelAccountRef)
	cp.PendingInvoiceID = cloneString(s.PendingInvoiceID)
	return &cp
}

func (s *Subscription) HasPendingInvoice() bool {
	return s.PendingInvoiceID != nil && *s.PendingInvoiceID != ""
}

func (s *Subscription) PendingInvoiceIs(id string) bool {
	return s.HasPendingInvoice() && *s.PendingInvoiceID == id
}

func (s *Subscription) HasPanelAccount() bool {
	return s.PanelAccountRef != nil && *s.PanelAccountRef != ""
}

// Expired reports whether now is at or past expires_at.
func (s *Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// ExtendFrom computes the new expiry for a purchase of d: renewals stack on the
// previous expiry and never reset from now while time remains.
func (s *Subscription) ExtendFrom(now time.Time, d time.Duration) time.Time {
	base := now
	if s.ExpiresAt != nil && s.ExpiresAt.After(now) {
		base = *s.ExpiresAt
	}
	return base.Add(d)
}

// ReminderDue reports whether a reminder may be sent at now for the given window.
func (s *Subscription) ReminderDue(now time.Time, window time.Duration) bool {
	if !s.Status.Live() || s.ExpiresAt == nil {
		return false
	}
	left := s.ExpiresAt.Sub(now)
	if left < 0 || left > window {
		return false
	}
	if s.LastReminderSentAt == nil {
		return true
	}
	return now.Sub(*s.LastReminderSentAt) > window
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
