package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusOpen    InvoiceStatus = "open"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// CanTransition reports whether from -> to is an allowed status change.
// Only open -> paid (payment event) and open -> overdue (due date elapsed)
// exist; anything else needs an operator.
func (from InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	return from == InvoiceStatusOpen && (to == InvoiceStatusPaid || to == InvoiceStatusOverdue)
}

// Invoice is the monthly summary of an account's ledger.
type Invoice struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	AccountID           uuid.UUID       `json:"account_id" db:"account_id"`
	Year                int             `json:"year" db:"year"`
	Month               int             `json:"month" db:"month"`
	TotalCharged        decimal.Decimal `json:"total_charged" db:"total_charged"`
	TotalPaid           decimal.Decimal `json:"total_paid" db:"total_paid"`
	Status              InvoiceStatus   `json:"status" db:"status"`
	PeriodStart         time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd           time.Time       `json:"period_end" db:"period_end"`
	DueDate             time.Time       `json:"due_date" db:"due_date"`
	PaidAt              *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	InterviewsProcessed int             `json:"interviews_processed" db:"interviews_processed"`
	CandidatesEvaluated int             `json:"candidates_evaluated" db:"candidates_evaluated"`
	ResponsesAnalyzed   int             `json:"responses_analyzed" db:"responses_analyzed"`
	TransactionCount    int             `json:"transaction_count" db:"transaction_count"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

func (i *Invoice) Period() Period {
	return Period{Year: i.Year, Month: time.Month(i.Month)}
}

// InvoiceTotals is the ledger snapshot a roll-up writes into an invoice.
type InvoiceTotals struct {
	TotalCharged        decimal.Decimal
	InterviewsProcessed int
	CandidatesEvaluated int
	ResponsesAnalyzed   int
	TransactionCount    int
}

// ComputeInvoiceTotals summarises a snapshot of one period's transactions.
func ComputeInvoiceTotals(txs []*Transaction) InvoiceTotals {
	totals := InvoiceTotals{TotalCharged: decimal.Zero}
	interviews := make(map[uuid.UUID]struct{})
	candidates := make(map[uuid.UUID]struct{})

	for _, tx := range txs {
		totals.TotalCharged = totals.TotalCharged.Add(tx.ChargedAmount)
		totals.TransactionCount++
		if tx.InterviewID != nil {
			interviews[*tx.InterviewID] = struct{}{}
		}
		if tx.SubjectID != nil {
			candidates[*tx.SubjectID] = struct{}{}
		}
		if tx.Kind == KindAnalysisItemFee {
			totals.ResponsesAnalyzed++
		}
	}
	totals.InterviewsProcessed = len(interviews)
	totals.CandidatesEvaluated = len(candidates)
	return totals
}

type PaymentRequest struct {
	Amount string     `json:"amount" binding:"required,money"`
	PaidAt *time.Time `json:"paid_at"`
}
