// Package memory implements the repository interfaces on top of in-process
// maps. It backs unit tests and local runs without Postgres; every write
// that Postgres performs in one transaction happens here under one lock.
package memory

import (
	"bytes"
	"sync"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
)

type Store struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*model.Account
	transactions map[uuid.UUID]*model.Transaction
	invoices     map[uuid.UUID]*model.Invoice
	outbox       []*model.OutboxEvent
	audit        []*model.AuditLog

	faultMu    sync.Mutex
	fault      error
	faultTimes int
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[uuid.UUID]*model.Account),
		transactions: make(map[uuid.UUID]*model.Transaction),
		invoices:     make(map[uuid.UUID]*model.Invoice),
	}
}

func (s *Store) Accounts() repository.AccountRepository         { return &accountRepository{s} }
func (s *Store) Transactions() repository.TransactionRepository { return &transactionRepository{s} }
func (s *Store) Invoices() repository.InvoiceRepository         { return &invoiceRepository{s} }
func (s *Store) Outbox() repository.OutboxRepository            { return &outboxRepository{s} }
func (s *Store) Audit() repository.AuditRepository              { return &auditRepository{s} }

// FailWith makes the next n repository calls return err. A negative n fails
// every call until FailWith(nil, 0) is called.
func (s *Store) FailWith(err error, n int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = err
	s.faultTimes = n
}

func (s *Store) injected() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil || s.faultTimes == 0 {
		return nil
	}
	if s.faultTimes > 0 {
		s.faultTimes--
	}
	return s.fault
}

// PutTransaction stores tx as-is, bypassing validation and outbox writes.
// Tests use it to seed legacy rows.
func (s *Store) PutTransaction(tx *model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = copyTransaction(tx)
}

// PutInvoice stores inv as-is. Tests use it to seed drifted invoices.
func (s *Store) PutInvoice(inv *model.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *inv
	s.invoices[inv.ID] = &c
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func copyTransaction(tx *model.Transaction) *model.Transaction {
	c := *tx
	c.Metadata = tx.Metadata.Clone()
	if tx.AnalysisGroupID != nil {
		g := *tx.AnalysisGroupID
		c.AnalysisGroupID = &g
	}
	return &c
}
