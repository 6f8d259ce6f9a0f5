package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Usage is an account's lifetime spend against its plan. For pay-per-use
// plans Limit, Remaining and PercentUsed are nil rather than zero.
type Usage struct {
	AccountID   uuid.UUID        `json:"account_id"`
	PlanType    PlanType         `json:"plan_type"`
	Spent       decimal.Decimal  `json:"spent"`
	Limit       *decimal.Decimal `json:"limit"`
	Remaining   *decimal.Decimal `json:"remaining"`
	PercentUsed *float64         `json:"percent_used"`
	Unbounded   bool             `json:"unbounded"`
}

type DenialReason string

const (
	ReasonTrialLimitReached      DenialReason = "trial_limit_reached"
	ReasonPlanInactive           DenialReason = "plan_inactive"
	ReasonTemporarilyUnavailable DenialReason = "temporarily_unavailable"
)

// AccessDecision is the Access Gate's verdict. A denial is a value, not an
// error.
type AccessDecision struct {
	Allowed     bool         `json:"allowed"`
	Reason      DenialReason `json:"reason,omitempty"`
	UserMessage string       `json:"user_message,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
}
