package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

type outboxRepository struct {
	*Store
}

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *event
	r.outbox = append(r.outbox, &c)
	return nil
}

func (r *outboxRepository) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*model.OutboxEvent
	for _, e := range r.outbox {
		if e.Status == string(model.OutboxStatusPending) {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*model.OutboxEvent, 0, len(pending))
	for _, e := range pending {
		e.Status = string(model.OutboxStatusProcessing)
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range r.outbox {
		if e.ID != id {
			continue
		}
		e.Status = string(status)
		e.ErrorMessage = errMsg
		e.UpdatedAt = now
		if status == model.OutboxStatusProcessed {
			e.ProcessedAt = &now
		} else {
			e.RetryCount++
		}
	}
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := r.injected(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.outbox[:0]
	var n int64
	for _, e := range r.outbox {
		if e.Status == string(model.OutboxStatusProcessed) && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.outbox = kept
	return n, nil
}
