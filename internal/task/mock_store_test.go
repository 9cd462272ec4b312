package task

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
)

// memoryTaskStore is an in-memory store.TaskStore with the same
// conditional-update semantics as the postgres implementation.
type memoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newMemoryTaskStore() *memoryTaskStore {
	return &memoryTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

var _ store.TaskStore = (*memoryTaskStore)(nil)

func (s *memoryTaskStore) Create(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *task
	s.tasks[task.ID] = &clone
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
