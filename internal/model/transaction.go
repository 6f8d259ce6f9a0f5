package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	// KindAnalysisBaseFee is charged once per analysed candidate.
	KindAnalysisBaseFee TransactionKind = "analysis_base_fee"
	// KindAnalysisItemFee is charged once per scored response.
	KindAnalysisItemFee TransactionKind = "analysis_item_fee"
	KindOther           TransactionKind = "other"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindAnalysisBaseFee, KindAnalysisItemFee, KindOther:
		return true
	}
	return false
}

// Transaction is one immutable billable ledger entry. ChargedAmount is
// computed once at write time and never derived again.
type Transaction struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	AccountID       uuid.UUID       `json:"account_id" db:"account_id"`
	Kind            TransactionKind `json:"kind" db:"kind"`
	BaseCost        decimal.Decimal `json:"base_cost" db:"base_cost"`
	Markup          decimal.Decimal `json:"markup" db:"markup"`
	ChargedAmount   decimal.Decimal `json:"charged_amount" db:"charged_amount"`
	Metadata        JSONMap         `json:"metadata" db:"metadata"`
	InterviewID     *uuid.UUID      `json:"interview_id,omitempty" db:"interview_id"`
	SubjectID       *uuid.UUID      `json:"subject_id,omitempty" db:"subject_id"`
	AnalysisGroupID *uuid.UUID      `json:"analysis_group_id,omitempty" db:"analysis_group_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

func (t *Transaction) IsGrouped() bool {
	return t.AnalysisGroupID != nil && *t.AnalysisGroupID != uuid.Nil
}

// SubjectKey identifies the analysed subject for correlation. Rows without a
// subject fall back to the interview, then to the nil UUID.
func (t *Transaction) SubjectKey() uuid.UUID {
	if t.SubjectID != nil {
		return *t.SubjectID
	}
	if t.InterviewID != nil {
		return *t.InterviewID
	}
	return uuid.Nil
}

// RecordRequest is the input of a ledger write. Amounts arrive as decimal
// strings so that non-numeric values can be rejected as InvalidAmount. A
// caller that retries a write should send the same ID each time; when it is
// empty the ledger generates one.
type RecordRequest struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"-"`
	Kind        TransactionKind `json:"kind" binding:"required,oneof=analysis_base_fee analysis_item_fee other"`
	BaseCost    string          `json:"base_cost" binding:"required,money"`
	Markup      string          `json:"markup" binding:"omitempty,money"`
	Metadata    JSONMap         `json:"metadata"`
	GroupID     *uuid.UUID      `json:"analysis_group_id"`
	InterviewID *uuid.UUID      `json:"interview_id"`
	SubjectID   *uuid.UUID      `json:"subject_id"`
}

// TransactionFilter narrows ledger listings.
type TransactionFilter struct {
	Period    *Period
	Ungrouped bool
}

// PendingCharge is a charge the ledger accepted but could not write. It is
// replayed by the sweep until it lands.
type PendingCharge struct {
	Transaction *Transaction `json:"transaction"`
	Attempts    int          `json:"attempts"`
	EscalatedAt time.Time    `json:"escalated_at"`
	LastError   string       `json:"last_error,omitempty"`
}
