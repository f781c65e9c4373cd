package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker keeps published messages in memory. Failed-product
// notifications are injected with Fail.
type MemoryBroker struct {
	mu        sync.Mutex
	published [][]byte
	failed    [][]byte
	// OpenErr and PublishErr, when set, are returned by Open and Publish.
	OpenErr    error
	PublishErr error
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Open implements Broker.
func (b *MemoryBroker) Open(ctx context.Context) (Session, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	return &memorySession{b: b}, nil
}

// Published returns a copy of the published bodies.
func (b *MemoryBroker) Published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published...)
}

// Fail queues a failed-product notification.
func (b *MemoryBroker) Fail(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, body)
}

type memorySession struct {
	b *MemoryBroker
}

func (s *memorySession) Publish(ctx context.Context, body []byte) error {
	if s.b.PublishErr != nil {
		return s.b.PublishErr
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.published = append(s.b.published, append([]byte(nil), body...))
	return nil
}

func (s *memorySession) DrainFailed(ctx context.Context, wait time.Duration) ([][]byte, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	bodies := s.b.failed
	s.b.failed = nil
	return bodies, nil
}

func (s *memorySession) Close() error { return nil }
