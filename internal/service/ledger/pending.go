package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

const (
	// PendingChargesKey is the Redis list escalated charges wait in.
	PendingChargesKey = "billing:pending_charges"
	// PendingInFlightKey holds charges claimed by a drain that has not
	// acknowledged them yet.
	PendingInFlightKey = PendingChargesKey + ":processing"
)

// ClaimedCharge is a charge moved to the in-flight list by Claim. It stays
// there until Ack or Requeue, so a drain that dies mid-replay loses nothing.
type ClaimedCharge struct {
	Charge  *model.PendingCharge
	receipt string
}

// PendingQueue holds charges that could not be written. Claim returns nil
// when the queue is empty. Drains must be serialized by the caller.
type PendingQueue interface {
	Push(ctx context.Context, charge *model.PendingCharge) error
	Claim(ctx context.Context) (*ClaimedCharge, error)
	Ack(ctx context.Context, claimed *ClaimedCharge) error
	// Requeue puts claimed.Charge back at the end of the queue and drops the
	// in-flight copy in one step.
	Requeue(ctx context.Context, claimed *ClaimedCharge) error
	// RestoreInFlight returns charges left in flight by an earlier drain to
	// the queue.
	RestoreInFlight(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
}

type redisPendingQueue struct {
	client   redis.UniversalClient
	key      string
	inFlight string
}

func NewRedisPendingQueue(client redis.UniversalClient) PendingQueue {
	return &redisPendingQueue{client: client, key: PendingChargesKey, inFlight: PendingInFlightKey}
}

func encodeCharge(charge *model.PendingCharge) ([]byte, error) {
	payload, err := json.Marshal(charge)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending charge: %w", err)
	}
	return payload, nil
}

// Push adds to the head and Claim takes from the tail, so the queue is FIFO
// and a requeued charge goes behind the ones already waiting.
func (q *redisPendingQueue) Push(ctx context.Context, charge *model.PendingCharge) error {
	payload, err := encodeCharge(charge)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push pending charge: %w", err)
	}
	return nil
}

func (q *redisPendingQueue) Claim(ctx context.Context) (*ClaimedCharge, error) {
	payload, err := q.client.LMove(ctx, q.key, q.inFlight, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending charge: %w", err)
	}

	var charge model.PendingCharge
	if err := json.Unmarshal([]byte(payload), &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending charge: %w", err)
	}
	return &ClaimedCharge{Charge: &charge, receipt: payload}, nil
}

func (q *redisPendingQueue) Ack(ctx context.Context, claimed *ClaimedCharge) error {
	if err := q.client.LRem(ctx, q.inFlight, 1, claimed.receipt).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge pending charge: %w", err)
	}
	return nil
}

func (q *redisPendingQueue) Requeue(ctx context.Context, claimed *ClaimedCharge) error {
	payload, err := encodeCharge(claimed.Charge)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key, payload)
		pipe.LRem(ctx, q.inFlight, 1, claimed.receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue pending charge: %w", err)
	}
	return nil
}

// RestoreInFlight moves in-flight charges back to the tail so they are
// claimed first.
func (q *redisPendingQueue) RestoreInFlight(ctx context.Context) (int, error) {
	var restored int
	for {
		err := q.client.LMove(ctx, q.inFlight, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return restored, nil
		}
		if err != nil {
			return restored, fmt.Errorf("failed to restore in-flight charges: %w", err)
		}
		restored++
	}
}

func (q *redisPendingQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending charge queue length: %w", err)
	}
	return n, nil
}

// MemoryPendingQueue is the in-process queue used without Redis. It does
// not survive a restart.
type MemoryPendingQueue struct {
	mu       sync.Mutex
	seq      uint64
	charges  []*model.PendingCharge
	inFlight map[string]*model.PendingCharge
}

func NewMemoryPendingQueue() *MemoryPendingQueue {
	return &MemoryPendingQueue{inFlight: make(map[string]*model.PendingCharge)}
}

func (q *MemoryPendingQueue) Push(ctx context.Context, charge *model.PendingCharge) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *charge
	q.charges = append(q.charges, &c)
	return nil
}

func (q *MemoryPendingQueue) Claim(ctx context.Context) (*ClaimedCharge, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.charges) == 0 {
		return nil, nil
	}
	c := q.charges[0]
	q.charges = q.charges[1:]
	q.seq++
	receipt := strconv.FormatUint(q.seq, 10)
	q.inFlight[receipt] = c

	cp := *c
	return &ClaimedCharge{Charge: &cp, receipt: receipt}, nil
}

func (q *MemoryPendingQueue) Ack(ctx context.Context, claimed *ClaimedCharge) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, claimed.receipt)
	return nil
}

func (q *MemoryPendingQueue) Requeue(ctx context.Context, claimed *ClaimedCharge) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, claimed.receipt)
	c := *claimed.Charge
	q.charges = append(q.charges, &c)
	return nil
}

func (q *MemoryPendingQueue) RestoreInFlight(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	receipts := make([]string, 0, len(q.inFlight))
	for r := range q.inFlight {
		receipts = append(receipts, r)
	}
	sort.Slice(receipts, func(i, j int) bool {
		a, _ := strconv.ParseUint(receipts[i], 10, 64)
		b, _ := strconv.ParseUint(receipts[j], 10, 64)
		return a < b
	})

	restored := make([]*model.PendingCharge, 0, len(receipts)+len(q.charges))
	for _, r := range receipts {
		restored = append(restored, q.inFlight[r])
	}
	q.charges = append(restored, q.charges...)
	q.inFlight = make(map[string]*model.PendingCharge)
	return len(receipts), nil
}

func (q *MemoryPendingQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.charges)), nil
}

// InFlight reports how many claimed charges are not yet acknowledged.
func (q *MemoryPendingQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
