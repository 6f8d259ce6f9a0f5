package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/memory"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/event"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

type recordingBroker struct {
	mu       sync.Mutex
	fail     int
	calls    int
	channels []string
	messages []interface{}
}

func (b *recordingBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail != 0 {
		if b.fail > 0 {
			b.fail--
		}
		return errors.New("broker down")
	}
	b.channels = append(b.channels, channel)
	b.messages = append(b.messages, message)
	return nil
}

func (b *recordingBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBroker) Close() error { return nil }

func testConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		BatchSize:     10,
		PollInterval:  time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func seedEvent(t *testing.T, store *memory.Store) *model.OutboxEvent {
	t.Helper()
	evt, err := event.New(event.InvoiceUpdated, map[string]string{"invoice": "x"}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.Outbox().Create(context.Background(), evt))
	return evt
}

func TestProcessPending_PublishesOnTopic(t *testing.T) {
	store := memory.NewStore()
	evt := seedEvent(t, store)
	broker := &recordingBroker{fail: 1}
	p := NewOutboxProcessor(store.Outbox(), broker, testConfig(), logger.Nop(), metrics.New("test"))

	n, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, broker.calls)
	assert.Equal(t, []string{event.Topic}, broker.channels)

	payload, ok := broker.messages[0].(json.RawMessage)
	require.True(t, ok)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, evt.ID, env.ID)
	assert.Equal(t, event.InvoiceUpdated, env.Type)

	n, err = p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "processed events are not published twice")
}

func TestProcessPending_MarksFailedAfterRetries(t *testing.T) {
	store := memory.NewStore()
	seedEvent(t, store)
	broker := &recordingBroker{fail: -1}
	p := NewOutboxProcessor(store.Outbox(), broker, testConfig(), logger.Nop(), metrics.New("test"))

	n, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, broker.calls)

	pending, err := store.Outbox().GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNewOutboxProcessor_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OutboxProcessorConfig)
	}{
		{"zero batch size", func(c *OutboxProcessorConfig) { c.BatchSize = 0 }},
		{"zero retry attempts", func(c *OutboxProcessorConfig) { c.RetryAttempts = 0 }},
		{"negative retry attempts", func(c *OutboxProcessorConfig) { c.RetryAttempts = -1 }},
		{"zero retry delay", func(c *OutboxProcessorConfig) { c.RetryDelay = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.Panics(t, func() {
				NewOutboxProcessor(memory.NewStore().Outbox(), &recordingBroker{}, cfg, logger.Nop(), metrics.New("test"))
			})
		})
	}
}
