// Package audit builds and reads the billing audit trail. Entries are
// written by the repositories inside the transaction that makes the
// audited change; this package only shapes them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
)

// ActorSystem marks changes made by the sweep or the corrector without an
// operator behind them.
const ActorSystem = "system"

type Service struct {
	repo  repository.AuditRepository
	clock clock.Clock
}

func NewService(repo repository.AuditRepository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

// Change is the old/new pair stored for one field.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Entry builds an audit row for the caller to persist with its change.
func (s *Service) Entry(accountID uuid.UUID, actor, action, entityType string, entityID uuid.UUID, changes map[string]Change) (*model.AuditLog, error) {
	if actor == "" {
		actor = ActorSystem
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit changes: %w", err)
	}

	return &model.AuditLog{
		ID:         uuid.New(),
		AccountID:  accountID,
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    raw,
		CreatedAt:  s.clock.Now(),
	}, nil
}

// Record writes a standalone entry for changes that have no row of their
// own to travel with.
func (s *Service) Record(ctx context.Context, entry *model.AuditLog) error {
	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (s *Service) History(ctx context.Context, entityType string, entityID uuid.UUID) ([]*model.AuditLog, error) {
	return s.repo.ListForEntity(ctx, entityType, entityID)
}

// Cleanup removes entries older than the retention window.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteBefore(ctx, s.clock.Now().Add(-retention))
}
