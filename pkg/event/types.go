package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

type EventType string

const (
	TransactionRecorded EventType = "billing.transaction_recorded"
	InvoiceUpdated      EventType = "billing.invoice_updated"
	InvoicePaid         EventType = "billing.invoice_paid"
	InvoiceOverdue      EventType = "billing.invoice_overdue"
	TrialExpired        EventType = "billing.trial_expired"
)

// Topic is the broker channel every billing event is published on.
const Topic = "billing.events"

// Envelope is what subscribers receive.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type TransactionRecordedData struct {
	TransactionID   uuid.UUID             `json:"transaction_id"`
	AccountID       uuid.UUID             `json:"account_id"`
	Kind            model.TransactionKind `json:"kind"`
	ChargedAmount   decimal.Decimal       `json:"charged_amount"`
	AnalysisGroupID *uuid.UUID            `json:"analysis_group_id,omitempty"`
}

type InvoiceData struct {
	InvoiceID    uuid.UUID           `json:"invoice_id"`
	AccountID    uuid.UUID           `json:"account_id"`
	Year         int                 `json:"year"`
	Month        int                 `json:"month"`
	Status       model.InvoiceStatus `json:"status"`
	TotalCharged decimal.Decimal     `json:"total_charged"`
	TotalPaid    decimal.Decimal     `json:"total_paid"`
}

type AccountData struct {
	AccountID  uuid.UUID        `json:"account_id"`
	PlanType   model.PlanType   `json:"plan_type"`
	PlanStatus model.PlanStatus `json:"plan_status"`
}

// New wraps data in an Envelope and returns the pending outbox row that
// carries it.
func New(eventType EventType, data interface{}, at time.Time) (*model.OutboxEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	env := Envelope{
		ID:         uuid.New(),
		Type:       eventType,
		OccurredAt: at,
		Data:       raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", eventType, err)
	}

	return &model.OutboxEvent{
		ID:        env.ID,
		EventType: string(eventType),
		Payload:   payload,
		Status:    string(model.OutboxStatusPending),
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

func ForTransaction(tx *model.Transaction) (*model.OutboxEvent, error) {
	return New(TransactionRecorded, TransactionRecordedData{
		TransactionID:   tx.ID,
		AccountID:       tx.AccountID,
		Kind:            tx.Kind,
		ChargedAmount:   tx.ChargedAmount,
		AnalysisGroupID: tx.AnalysisGroupID,
	}, tx.CreatedAt)
}

func ForInvoice(eventType EventType, inv *model.Invoice, at time.Time) (*model.OutboxEvent, error) {
	return New(eventType, InvoiceData{
		InvoiceID:    inv.ID,
		AccountID:    inv.AccountID,
		Year:         inv.Year,
		Month:        inv.Month,
		Status:       inv.Status,
		TotalCharged: inv.TotalCharged,
		TotalPaid:    inv.TotalPaid,
	}, at)
}

func ForAccount(eventType EventType, acc *model.Account, at time.Time) (*model.OutboxEvent, error) {
	return New(eventType, AccountData{
		AccountID:  acc.ID,
		PlanType:   acc.PlanType,
		PlanStatus: acc.PlanStatus,
	}, at)
}
