package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

type auditRepository struct {
	*Store
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *log
	r.audit = append(r.audit, &c)
	return nil
}

func (r *auditRepository) ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*model.AuditLog, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.AuditLog
	for _, l := range r.audit {
		if l.EntityType == entityType && l.EntityID == entityID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *auditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := r.injected(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.audit[:0]
	var n int64
	for _, l := range r.audit {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	r.audit = kept
	return n, nil
}
