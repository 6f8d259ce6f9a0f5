// Package clock provides an injectable time source so window and expiry
// calculations can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock, always in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Mock is a manually advanced clock.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMock(t time.Time) *Mock {
	return &Mock{now: t.UTC()}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

func (m *Mock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
