package messaging

import (
	"context"
	"sync"
)

// MemoryBus is the in-memory EventBus double. Tests pump published envelopes
// through a Processor themselves, which makes pipeline runs synchronous and
// deterministic.
type MemoryBus struct {
	mu    sync.Mutex
	queue []Envelope
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, env)
	return nil
}

// Pop removes and returns the oldest pending envelope.
func (b *MemoryBus) Pop() (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Envelope{}, false
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	return env, true
}

// Pending returns a snapshot of undelivered envelopes.
func (b *MemoryBus) Pending() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.queue))
	copy(out, b.queue)
	return out
}

// Drain delivers queued envelopes to processor until the queue is empty,
// including envelopes published during processing. Returns the first
// processing error together with the number of deliveries made.
func (b *MemoryBus) Drain(ctx context.Context, processor Processor) (int, error) {
	delivered := 0
	for {
		env, ok := b.Pop()
		if !ok {
			return delivered, nil
		}
		delivered++
		if err := processor.Process(ctx, env); err != nil {
			return delivered, err
		}
	}
}

var _ EventBus = (*MemoryBus)(nil)
