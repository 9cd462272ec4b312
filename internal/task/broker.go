package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Common errors returned by the broker
var (
	ErrQueueClosed = errors.New("dispatch queue is closed")
	ErrQueueFull   = errors.New("dispatch queue is full")
)

// Broker hands queued task IDs to workers and answers position
// estimates for tasks still waiting. Implementations must be safe for
// concurrent use.
type Broker interface {
	// Enqueue adds a task ID to the dispatch queue.
	// Returns ErrQueueFull or ErrQueueClosed when it cannot.
	Enqueue(taskID uuid.UUID) error

	// Revoke marks a waiting task so workers skip it when it surfaces.
	// Reports whether the task was still pending.
	Revoke(taskID uuid.UUID) bool

	// EstimatePosition returns the zero-based position of a task among
	// the pending entries, the number of pending entries, and whether
	// the task is pending at all.
	EstimatePosition(taskID uuid.UUID) (position, total int, ok bool)

	// Dequeue returns the channel workers consume task IDs from.
	Dequeue() <-chan uuid.UUID

	// Acknowledge removes a dequeued task from the pending index and
	// reports whether it had been revoked while waiting.
	Acknowledge(taskID uuid.UUID) (revoked bool)

	// Close closes the broker, preventing further submission.
	Close()
}

// ChannelBroker implements Broker on a buffered channel, keeping a
// separate ordered index of pending IDs for position estimates.
type ChannelBroker struct {
	queue  chan uuid.UUID
	logger *slog.Logger

	mu      sync.Mutex
	pending []uuid.UUID
	revoked map[uuid.UUID]bool
	closed  bool
}

// NewChannelBroker creates a broker with the specified buffer size.
// If logger is nil, a default logger will be used.
func NewChannelBroker(size int, logger *slog.Logger) *ChannelBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelBroker{
		queue:   make(chan uuid.UUID, size),
		logger:  logger.With(slog.String("component", "broker")),
		revoked: make(map[uuid.UUID]bool),
	}
}

var _ Broker = (*ChannelBroker)(nil)

// Enqueue implements Broker.Enqueue
func (b *ChannelBroker) Enqueue(taskID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrQueueClosed
	}

	select {
	case b.queue <- taskID:
		b.pending = append(b.pending, taskID)
		b.logger.Debug("task enqueued",
			slog.String("task_id", taskID.String()),
			slog.Int("queue_len", len(b.queue)),
			slog.Int("queue_cap", cap(b.queue)))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(b.queue))
	}
}

// Revoke implements Broker.Revoke
func (b *ChannelBroker) Revoke(taskID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.pending {
		if id == taskID {
			b.revoked[taskID] = true
			b.logger.Debug("task revoked", slog.String("task_id", taskID.String()))
			return true
		}
	}
	return false
}

// EstimatePosition implements Broker.EstimatePosition
func (b *ChannelBroker) EstimatePosition(taskID uuid.UUID) (int, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	position, total := 0, 0
	found := false
	for _, id := range b.pending {
		if b.revoked[id] {
			continue
		}
		if id == taskID {
			position = total
			found = true
		}
		total++
	}
	if !found {
		return 0, 0, false
	}
	return position, total, true
}

// Dequeue implements Broker.Dequeue
func (b *ChannelBroker) Dequeue() <-chan uuid.UUID {
	return b.queue
}

// Acknowledge implements Broker.Acknowledge
func (b *ChannelBroker) Acknowledge(taskID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, id := range b.pending {
		if id == taskID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}

	revoked := b.revoked[taskID]
	delete(b.revoked, taskID)
	return revoked
}

// Close implements Broker.Close
func (b *ChannelBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.queue)
		b.logger.Info("dispatch queue closed")
	}
}
