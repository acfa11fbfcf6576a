package memory

import (
	"context"
	"sort"
	"time"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

// Stored values are copies; writes replace map entries and never mutate them.

// -----------------------------
// Subscriptions
// -----------------------------

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) Get(_ context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	var out *model.Subscription
	err := r.s.run(tx, func() error {
		sub, ok := r.s.subs[userID]
		if !ok {
			return domain.ErrNotFound
		}
		out = sub.Clone()
		return nil
	})
	return out, err
}

func (r *subscriptionRepo) Insert(_ context.Context, tx repository.Tx, sub *model.Subscription) error {
	return r.s.run(tx, func() error {
		if cur, ok := r.s.subs[sub.UserID]; ok {
			return &domain.ConflictError{UserID: sub.UserID, Expected: 0, Actual: cur.Version}
		}
		r.s.subs[sub.UserID] = sub.Clone()
		return nil
	})
}

func (r *subscriptionRepo) UpdateIfVersion(_ context.Context, tx repository.Tx, sub *model.Subscription, expected int64) error {
	return r.s.run(tx, func() error {
		cur, ok := r.s.subs[sub.UserID]
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != expected {
			return &domain.ConflictError{UserID: sub.UserID, Expected: expected, Actual: cur.Version}
		}
		r.s.subs[sub.UserID] = sub.Clone()
		return nil
	})
}

func (r *subscriptionRepo) ListLive(_ context.Context, tx repository.Tx, afterUserID string, limit int) ([]*model.Subscription, error) {
	var out []*model.Subscription
	err := r.s.run(tx, func() error {
		for id, sub := range r.s.subs {
			if id > afterUserID && sub.Status.Live() {
				out = append(out, sub.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *subscriptionRepo) CountByStatus(_ context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	out := make(map[model.SubscriptionStatus]int)
	err := r.s.run(tx, func() error {
		for _, sub := range r.s.subs {
			out[sub.Status]++
		}
		return nil
	})
	return out, err
}

// -----------------------------
// Invoices
// -----------------------------

type invoiceRepo struct{ s *Store }

func (r *invoiceRepo) Save(_ context.Context, tx repository.Tx, inv *model.Invoice) error {
	return r.s.run(tx, func() error {
		if _, ok := r.s.invoices[inv.ID]; ok {
			return domain.ErrAlreadyExists
		}
		cp := *inv
		r.s.invoices[inv.ID] = &cp
		return nil
	})
}

func (r *invoiceRepo) FindByID(_ context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	var out *model.Invoice
	err := r.s.run(tx, func() error {
		inv, ok := r.s.invoices[id]
		if !ok {
			return domain.ErrNotFound
		}
		cp := *inv
		out = &cp
		return nil
	})
	return out, err
}

func (r *invoiceRepo) UpdateStatus(_ context.Context, tx repository.Tx, id string, status model.InvoiceStatus, paidAt *time.Time) error {
	return r.s.run(tx, func() error {
		inv, ok := r.s.invoices[id]
		if !ok {
			return domain.ErrNotFound
		}
		cp := *inv
		cp.Status = status
		if paidAt != nil {
			at := *paidAt
			cp.PaidAt = &at
		}
		r.s.invoices[id] = &cp
		return nil
	})
}

func (r *invoiceRepo) ListOpenBefore(_ context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Invoice, error) {
	var out []*model.Invoice
	err := r.s.run(tx, func() error {
		for _, inv := range r.s.invoices {
			if inv.Status == model.InvoiceStatusOpen && inv.CreatedAt.Before(cutoff) {
				cp := *inv
				out = append(out, &cp)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// -----------------------------
// Processed payment events
// -----------------------------

type eventRepo struct{ s *Store }

func (r *eventRepo) FindByGatewayID(_ context.Context, tx repository.Tx, gatewayEventID string) (*model.ProcessedEvent, error) {
	var out *model.ProcessedEvent
	err := r.s.run(tx, func() error {
		ev, ok := r.s.events[gatewayEventID]
		if !ok {
			return domain.ErrNotFound
		}
		cp := *ev
		out = &cp
		return nil
	})
	return out, err
}

func (r *eventRepo) Record(_ context.Context, tx repository.Tx, ev *model.ProcessedEvent) error {
	return r.s.run(tx, func() error {
		if _, ok := r.s.events[ev.Event.GatewayEventID]; ok {
			return domain.ErrAlreadyExists
		}
		cp := *ev
		r.s.events[ev.Event.GatewayEventID] = &cp
		return nil
	})
}

func (r *eventRepo) Resolve(_ context.Context, tx repository.Tx, gatewayEventID string, outcome model.EventOutcome, at time.Time, detail string) error {
	return r.s.run(tx, func() error {
		ev, ok := r.s.events[gatewayEventID]
		if !ok {
			return domain.ErrNotFound
		}
		cp := *ev
		cp.Outcome = outcome
		cp.Detail = detail
		cp.ResolvedAt = &at
		r.s.events[gatewayEventID] = &cp
		return nil
	})
}

func (r *eventRepo) ListPending(_ context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.ProcessedEvent, error) {
	var out []*model.ProcessedEvent
	err := r.s.run(tx, func() error {
		for _, ev := range r.s.events {
			if ev.Outcome == model.EventOutcomePending && ev.Event.ReceivedAt.Before(olderThan) {
				cp := *ev
				out = append(out, &cp)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Event.ReceivedAt.Before(out[j].Event.ReceivedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (r *eventRepo) HasPendingForInvoice(_ context.Context, tx repository.Tx, invoiceID string) (bool, error) {
	found := false
	err := r.s.run(tx, func() error {
		for _, ev := range r.s.events {
			if ev.Outcome == model.EventOutcomePending && ev.Event.InvoiceID == invoiceID {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// -----------------------------
// Panel jobs
// -----------------------------

type jobRepo struct{ s *Store }

func (r *jobRepo) Save(_ context.Context, tx repository.Tx, job *model.PanelJob) error {
	return r.s.run(tx, func() error {
		cp := *job
		r.s.jobs[job.ID] = &cp
		return nil
	})
}

func (r *jobRepo) FindByID(_ context.Context, tx repository.Tx, id string) (*model.PanelJob, error) {
	var out *model.PanelJob
	err := r.s.run(tx, func() error {
		job, ok := r.s.jobs[id]
		if !ok {
			return domain.ErrNotFound
		}
		cp := *job
		out = &cp
		return nil
	})
	return out, err
}

func (r *jobRepo) FindOpen(_ context.Context, tx repository.Tx, userID string, kind model.PanelJobKind) (*model.PanelJob, error) {
	var out *model.PanelJob
	err := r.s.run(tx, func() error {
		for _, job := range r.s.jobs {
			if job.UserID == userID && job.Kind == kind && job.Open() {
				if out == nil || job.CreatedAt.After(out.CreatedAt) {
					cp := *job
					out = &cp
				}
			}
		}
		if out == nil {
			return domain.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (r *jobRepo) FindLatestByInvoice(_ context.Context, tx repository.Tx, invoiceID string) (*model.PanelJob, error) {
	var out *model.PanelJob
	err := r.s.run(tx, func() error {
		for _, job := range r.s.jobs {
			if job.Kind == model.PanelJobProvision && job.InvoiceID == invoiceID {
				if out == nil || job.CreatedAt.After(out.CreatedAt) {
					cp := *job
					out = &cp
				}
			}
		}
		if out == nil {
			return domain.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (r *jobRepo) ListDue(_ context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.PanelJob, error) {
	var out []*model.PanelJob
	err := r.s.run(tx, func() error {
		for _, job := range r.s.jobs {
			if job.Open() && !job.NextAttemptAt.After(now) {
				cp := *job
				out = append(out, &cp)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// -----------------------------
// Audit log
// -----------------------------

type auditRepo struct{ s *Store }

func (r *auditRepo) Append(_ context.Context, tx repository.Tx, e *model.AuditEntry) error {
	return r.s.run(tx, func() error {
		cp := *e
		r.s.audit = append(r.s.audit, &cp)
		return nil
	})
}

func (r *auditRepo) ListByUser(_ context.Context, tx repository.Tx, userID string, limit int) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	err := r.s.run(tx, func() error {
		for i := len(r.s.audit) - 1; i >= 0; i-- {
			if r.s.audit[i].UserID != userID {
				continue
			}
			cp := *r.s.audit[i]
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}
