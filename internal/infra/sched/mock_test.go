package sched

import (
	"context"
	"errors"
	"sync"

	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

type memOutbox struct {
	mu        sync.Mutex
	pending   []*model.OutboxMessage
	published []string
	failed    map[string]int
	claimErr  error
}

func newMemOutbox(msgs ...*model.OutboxMessage) *memOutbox {
	return &memOutbox{pending: msgs, failed: map[string]int{}}
}

func (m *memOutbox) Enqueue(_ context.Context, _ repository.Tx, msg *model.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msg)
	return nil
}

func (m *memOutbox) Claim(_ context.Context, limit int) ([]*model.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	n := limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := m.pending[:n]
	m.pending = m.pending[n:]
	return out, nil
}

func (m *memOutbox) MarkPublished(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, id)
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id string, retryAfterSeconds int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = retryAfterSeconds
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	failOn map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, _, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[routingKey] {
		return errors.New("channel closed")
	}
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

type stubRefresher struct {
	calls int
	n     int
	err   error
}

func (s *stubRefresher) RefreshOpen(_ context.Context, _ int) (int, error) {
	s.calls++
	return s.n, s.err
}
