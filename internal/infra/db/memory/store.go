// Package memory is a process-local implementation of the repository ports.
// It backs the dev mode and the usecase tests.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/jackc/pgx/v4"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/model"
	"telegram-vpn-subscription/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*Store)(nil)

// Store holds all tables behind one mutex. WithTx holds it for the whole callback
// and restores a snapshot when the callback fails.
type Store struct {
	mu       sync.Mutex
	subs     map[string]*model.Subscription
	invoices map[string]*model.Invoice
	events   map[string]*model.ProcessedEvent
	jobs     map[string]*model.PanelJob
	audit    []*model.AuditEntry
}

type txHandle struct {
	s *Store
}

func New() *Store {
	return &Store{
		subs:     make(map[string]*model.Subscription),
		invoices: make(map[string]*model.Invoice),
		events:   make(map[string]*model.ProcessedEvent),
		jobs:     make(map[string]*model.PanelJob),
	}
}

func (s *Store) Subscriptions() repository.SubscriptionRepository     { return &subscriptionRepo{s} }
func (s *Store) Invoices() repository.InvoiceRepository               { return &invoiceRepo{s} }
func (s *Store) ProcessedEvents() repository.ProcessedEventRepository { return &eventRepo{s} }
func (s *Store) PanelJobs() repository.PanelJobRepository             { return &jobRepo{s} }
func (s *Store) Audit() repository.AuditRepository                    { return &auditRepo{s} }

func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, invoices, events, jobs, auditLen := maps.Clone(s.subs), maps.Clone(s.invoices), maps.Clone(s.events), maps.Clone(s.jobs), len(s.audit)
	if err := fn(ctx, &txHandle{s: s}); err != nil {
		s.subs, s.invoices, s.events, s.jobs, s.audit = subs, invoices, events, jobs, s.audit[:auditLen]
		return err
	}
	return nil
}

// run executes f under the store lock, unless tx belongs to a transaction of this
// store which already holds it.
func (s *Store) run(tx repository.Tx, f func() error) error {
	switch v := tx.(type) {
	case nil:
		s.mu.Lock()
		defer s.mu.Unlock()
		return f()
	case *txHandle:
		if v.s != s {
			return domain.ErrInvalidExecContext
		}
		return f()
	default:
		return domain.ErrInvalidExecContext
	}
}
