package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	AccountID  uuid.UUID       `json:"account_id" db:"account_id"`
	Actor      string          `json:"actor" db:"actor"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id" db:"entity_id"`
	Changes    json.RawMessage `json:"changes" db:"changes"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

const (
	// Action types
	AuditActionBackfillGroupID = "backfill_group_id"
	AuditActionInvoiceCorrect  = "invoice_correct"
	AuditActionInvoicePaid     = "invoice_paid"
	AuditActionInvoiceOverdue  = "invoice_overdue"
	AuditActionPlanChange      = "plan_change"
	AuditActionTrialExpired    = "trial_expired"

	// Entity types
	AuditEntityTransaction = "transaction"
	AuditEntityInvoice     = "invoice"
	AuditEntityAccount     = "account"
)
