package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type GroupHealth string

const (
	GroupWellFormed    GroupHealth = "well_formed"
	GroupOrphanedItems GroupHealth = "orphaned_items"
	GroupBaseOnly      GroupHealth = "base_only"
	GroupMalformed     GroupHealth = "malformed"
)

// GroupAnomaly describes one analysis group that is not well formed.
// Inferred is set when the group only exists in a recovery plan and has not
// been written to the ledger yet.
type GroupAnomaly struct {
	GroupID        uuid.UUID   `json:"group_id"`
	Health         GroupHealth `json:"health"`
	SubjectID      uuid.UUID   `json:"subject_id"`
	BaseFeeIDs     []uuid.UUID `json:"base_fee_ids,omitempty"`
	ItemIDs        []uuid.UUID `json:"item_ids,omitempty"`
	FirstCreatedAt time.Time   `json:"first_created_at"`
	Inferred       bool        `json:"inferred"`
	Detail         string      `json:"detail,omitempty"`
}

type InvoiceMismatch struct {
	InvoiceID *uuid.UUID      `json:"invoice_id,omitempty"`
	Year      int             `json:"year"`
	Month     int             `json:"month"`
	Stored    decimal.Decimal `json:"stored_total"`
	Actual    decimal.Decimal `json:"actual_total"`
	Missing   bool            `json:"missing_invoice"`
}

// BackfillConflict records a backfill refused because the row already
// carried another group id.
type BackfillConflict struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	WantedGroupID uuid.UUID `json:"wanted_group_id"`
	Error         string    `json:"error"`
}

type Corrections struct {
	InvoicesRecomputed int `json:"invoices_recomputed"`
	GroupIDsBackfilled int `json:"group_ids_backfilled"`
}

// AccountReport is the Validator's output for one account. Anomalies are
// data for operators; nothing here is ever auto-charged.
type AccountReport struct {
	AccountID             uuid.UUID          `json:"account_id"`
	CheckedAt             time.Time          `json:"checked_at"`
	TransactionCount      int                `json:"transaction_count"`
	UngroupedTransactions int                `json:"ungrouped_transactions"`
	WellFormedGroups      int                `json:"well_formed_groups"`
	OrphanedGroups        []GroupAnomaly     `json:"orphaned_groups"`
	BaseOnlyGroups        []GroupAnomaly     `json:"base_only_groups"`
	MalformedGroups       []GroupAnomaly     `json:"malformed_groups"`
	InvoiceMismatches     []InvoiceMismatch  `json:"invoice_mismatches"`
	MissingInvoices       []InvoiceMismatch  `json:"missing_invoices"`
	BackfillConflicts     []BackfillConflict `json:"backfill_conflicts,omitempty"`
	Corrections           *Corrections       `json:"corrections,omitempty"`
}

func NewAccountReport(accountID uuid.UUID, at time.Time) *AccountReport {
	return &AccountReport{
		AccountID:         accountID,
		CheckedAt:         at,
		OrphanedGroups:    []GroupAnomaly{},
		BaseOnlyGroups:    []GroupAnomaly{},
		MalformedGroups:   []GroupAnomaly{},
		InvoiceMismatches: []InvoiceMismatch{},
		MissingInvoices:   []InvoiceMismatch{},
	}
}

// HasIssues reports whether anything needs attention. Base-only groups are
// ambiguous and do not count.
func (r *AccountReport) HasIssues() bool {
	return len(r.OrphanedGroups) > 0 ||
		len(r.MalformedGroups) > 0 ||
		len(r.InvoiceMismatches) > 0 ||
		len(r.MissingInvoices) > 0 ||
		len(r.BackfillConflicts) > 0 ||
		r.UngroupedTransactions > 0
}

type AccountFailure struct {
	AccountID uuid.UUID `json:"account_id"`
	Error     string    `json:"error"`
}

// GlobalReport aggregates account reports for dashboards. Only accounts with
// issues are kept in full.
type GlobalReport struct {
	StartedAt             time.Time        `json:"started_at"`
	FinishedAt            time.Time        `json:"finished_at"`
	AccountsScanned       int              `json:"accounts_scanned"`
	AccountsWithIssues    int              `json:"accounts_with_issues"`
	OrphanedGroups        int              `json:"orphaned_groups"`
	BaseOnlyGroups        int              `json:"base_only_groups"`
	MalformedGroups       int              `json:"malformed_groups"`
	InvoiceMismatches     int              `json:"invoice_mismatches"`
	MissingInvoices       int              `json:"missing_invoices"`
	UngroupedTransactions int              `json:"ungrouped_transactions"`
	Accounts              []*AccountReport `json:"accounts"`
	Failures              []AccountFailure `json:"failures"`
}

// Add folds one account report into the aggregate.
func (g *GlobalReport) Add(r *AccountReport) {
	g.AccountsScanned++
	g.OrphanedGroups += len(r.OrphanedGroups)
	g.BaseOnlyGroups += len(r.BaseOnlyGroups)
	g.MalformedGroups += len(r.MalformedGroups)
	g.InvoiceMismatches += len(r.InvoiceMismatches)
	g.MissingInvoices += len(r.MissingInvoices)
	g.UngroupedTransactions += r.UngroupedTransactions
	if r.HasIssues() {
		g.AccountsWithIssues++
		g.Accounts = append(g.Accounts, r)
	}
}

type CorrectionRequest struct {
	AccountID uuid.UUID `json:"account_id" binding:"required"`
	AutoFix   bool      `json:"auto_fix"`
}

// SweepResult summarises one scheduled sweep run. Skipped is set when
// another run held the lock.
type SweepResult struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Skipped            bool      `json:"skipped"`
	AccountsProcessed  int       `json:"accounts_processed"`
	AccountsFailed     int       `json:"accounts_failed"`
	TrialsExpired      int       `json:"trials_expired"`
	InvoicesRecomputed int       `json:"invoices_recomputed"`
	GroupIDsBackfilled int       `json:"group_ids_backfilled"`
	InvoicesOverdue    int       `json:"invoices_overdue"`
	PendingReplayed    int       `json:"pending_replayed"`
	PendingFailed      int       `json:"pending_failed"`
	NextCursor         uuid.UUID `json:"next_cursor"`
}
