package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/store"
	"github.com/visiontune/visiontune-api/internal/task"
)

// memoryTaskStore is an in-memory store.TaskStore with the same
// conditional-update semantics as the postgres implementation.
type memoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task

	// failCreate makes Create return an error, for exercising rollback.
	failCreate error
}

func newMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

var _ store.TaskStore = (*memoryTaskStore)(nil)

func (s *memoryTaskStore) Create(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *memoryTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *memoryTaskStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.OwnerID == ownerID {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryTaskStore) ListByStatus(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		for _, status := range statuses {
			if t.Status == status {
				clone := *t
				out = append(out, &clone)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryTaskStore) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	from []domain.TaskStatus,
	to domain.TaskStatus,
	change store.StatusChange,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}

	allowed := false
	for _, status := range from {
		if t.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: current status %s", store.ErrStaleStatus, t.Status)
	}

	t.Status = to
	if change.StartedAt != nil {
		t.StartedAt = change.StartedAt
	}
	if change.FinishedAt != nil {
		t.FinishedAt = change.FinishedAt
	}
	if change.Result != nil {
		t.Result = change.Result
	}
	if change.Error != nil {
		t.Error = change.Error
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryTaskStore) UpdateProgress(
	ctx context.Context,
	id uuid.UUID,
	progress *domain.Progress,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusRunning {
		return fmt.Errorf("%w: current status %s", store.ErrStaleStatus, t.Status)
	}
	t.Progress = progress
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryTaskStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return store.ErrStaleStatus
	}
	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryTaskStore) CountQueuedBefore(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.tasks[id]
	if !ok || target.Status != domain.TaskStatusQueued {
		return 0, store.ErrTaskNotFound
	}

	count := 0
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusQueued && t.CreatedAt.Before(target.CreatedAt) {
			count++
		}
	}
	return count, nil
}

func (s *memoryTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return s
}

// put inserts a task directly, bypassing the submission flow.
func (s *memoryTaskStore) put(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tasks[t.ID] = &clone
}

// fakeBroker records enqueue and revoke calls.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	revoked  []uuid.UUID

	enqueueErr error

	// positions, when set, makes EstimatePosition answer for those
	// tasks with pendingTotal as the queue depth.
	positions    map[uuid.UUID]int
	pendingTotal int
}

var _ task.Broker = (*fakeBroker)(nil)

func (b *fakeBroker) Enqueue(taskID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.enqueued = append(b.enqueued, taskID)
	return nil
}

func (b *fakeBroker) Revoke(taskID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, taskID)
	return true
}

func (b *fakeBroker) EstimatePosition(taskID uuid.UUID) (int, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[taskID]
	if !ok {
		return 0, 0, false
	}
	return pos, b.pendingTotal, true
}

func (b *fakeBroker) Dequeue() <-chan uuid.UUID {
	return nil
}

func (b *fakeBroker) Acknowledge(taskID uuid.UUID) bool {
	return false
}

func (b *fakeBroker) Close() {}

func (b *fakeBroker) enqueuedIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uuid.UUID(nil), b.enqueued...)
}

func (b *fakeBroker) revokedIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uuid.UUID(nil), b.revoked...)
}

// fakeSignaler records cancellation signals for "running" tasks.
type fakeSignaler struct {
	mu        sync.Mutex
	running   map[uuid.UUID]bool
	signalled []uuid.UUID
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{running: make(map[uuid.UUID]bool)}
}

var _ CancelSignaler = (*fakeSignaler)(nil)

func (f *fakeSignaler) SignalCancel(taskID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalled = append(f.signalled, taskID)
	return f.running[taskID]
}

func (f *fakeSignaler) IsRunning(taskID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID]
}

func (f *fakeSignaler) setRunning(taskID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[taskID] = true
}

func (f *fakeSignaler) signalledIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.signalled...)
}

// memoryUserStore is an in-memory store.UserStore.
type memoryUserStore struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*domain.User
	byUsername map[string]*domain.User
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		byID:       make(map[uuid.UUID]*domain.User),
		byUsername: make(map[string]*domain.User),
	}
}

var _ store.UserStore = (*memoryUserStore)(nil)

func (s *memoryUserStore) Create(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[user.Username]; exists {
		return store.ErrUsernameExists
	}
	// Mirror the postgres store: the plaintext never survives Create.
	user.HashedPassword = "hashed:" + user.Password
	user.Password = ""
	clone := *user
	s.byID[user.ID] = &clone
	s.byUsername[user.Username] = &clone
	return nil
}

func (s *memoryUserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *memoryUserStore) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byUsername[username]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *memoryUserStore) WithTx(tx *sql.Tx) store.UserStore {
	return s
}
