package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanType string

const (
	PlanTrial        PlanType = "trial"
	PlanBasic        PlanType = "basic"
	PlanProfessional PlanType = "professional"
	PlanEnterprise   PlanType = "enterprise"
)

func (p PlanType) Valid() bool {
	switch p {
	case PlanTrial, PlanBasic, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// IsPayPerUse reports whether the plan is billed per use with no spend ceiling.
func (p PlanType) IsPayPerUse() bool {
	return p.Valid() && p != PlanTrial
}

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusExpired   PlanStatus = "expired"
	PlanStatusCancelled PlanStatus = "cancelled"
	PlanStatusSuspended PlanStatus = "suspended"
)

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusActive, PlanStatusExpired, PlanStatusCancelled, PlanStatusSuspended:
		return true
	}
	return false
}

// Account is a billing-capable tenant. Accounts are never deleted.
type Account struct {
	ID               uuid.UUID           `json:"id" db:"id"`
	Name             string              `json:"name" db:"name"`
	Email            string              `json:"email" db:"email"`
	PlanType         PlanType            `json:"plan_type" db:"plan_type"`
	PlanStatus       PlanStatus          `json:"plan_status" db:"plan_status"`
	TrialCreditLimit decimal.NullDecimal `json:"trial_credit_limit" db:"trial_credit_limit"`
	TrialEndsAt      *time.Time          `json:"trial_ends_at,omitempty" db:"trial_ends_at"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}

// SpendLimit returns the lifetime spend ceiling, or false when unbounded.
func (a *Account) SpendLimit() (decimal.Decimal, bool) {
	if a.PlanType != PlanTrial || !a.TrialCreditLimit.Valid {
		return decimal.Zero, false
	}
	return a.TrialCreditLimit.Decimal, true
}

func (a *Account) IsActive() bool {
	return a.PlanStatus == PlanStatusActive
}

type CreateAccountRequest struct {
	Name     string   `json:"name" binding:"required"`
	Email    string   `json:"email" binding:"required,email"`
	PlanType PlanType `json:"plan_type" binding:"omitempty,oneof=trial basic professional enterprise"`
}

type UpdatePlanRequest struct {
	PlanType   PlanType   `json:"plan_type" binding:"omitempty,oneof=trial basic professional enterprise"`
	PlanStatus PlanStatus `json:"plan_status" binding:"omitempty,oneof=active expired cancelled suspended"`
}
