package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiontune/visiontune-api/internal/artifact"
	"github.com/visiontune/visiontune-api/internal/domain"
	"github.com/visiontune/visiontune-api/internal/ml"
	"github.com/visiontune/visiontune-api/internal/platform/logger"
	"github.com/visiontune/visiontune-api/internal/store"
	"github.com/visiontune/visiontune-api/internal/task"
)

type serviceFixture struct {
	svc       TaskService
	taskStore *memoryTaskStore
	broker    *fakeBroker
	signaler  *fakeSignaler
	artifacts *artifact.Manager
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	log := logger.FromContext(context.Background())
	artifacts, err := artifact.NewManager(t.TempDir(), 64<<20, log)
	require.NoError(t, err)

	taskStore := newMemoryTaskStore()
	broker := &fakeBroker{}
	signaler := newFakeSignaler()

	svc, err := NewTaskService(taskStore, artifacts, broker, signaler, log)
	require.NoError(t, err)

	return &serviceFixture{
		svc:       svc,
		taskStore: taskStore,
		broker:    broker,
		signaler:  signaler,
		artifacts: artifacts,
	}
}

// datasetZip builds a minimal valid dataset archive in memory.
func datasetZip(t *testing.T, entries map[string]string) *bytes.Reader {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func validDataset(t *testing.T) *bytes.Reader {
	t.Helper()
	return datasetZip(t, map[string]string{
		"data.yaml":          "train: images/train\nval: images/val\nnames: [person]\n",
		"images/train/a.jpg": "jpg",
		"images/val/b.jpg":   "jpg",
		"labels/train/a.txt": "0 0.5 0.5 0.2 0.2",
		"labels/val/b.txt":   "0 0.4 0.4 0.1 0.1",
	})
}

// seedTask inserts a task record with allocated directories, bypassing
// the submission flow.
func (f *serviceFixture) seedTask(
	t *testing.T,
	ownerID uuid.UUID,
	status domain.TaskStatus,
) *domain.Task {
	t.Helper()

	tk, err := domain.NewTask(ownerID, domain.TaskKindFinetune, "seeded", nil)
	require.NoError(t, err)

	paths, err := f.artifacts.Allocate(ownerID, tk.Kind, tk.ID)
	require.NoError(t, err)
	tk.ArtifactPath = paths.Root
	tk.Status = status

	f.taskStore.put(tk)
	return tk
}

func TestTaskService_Submit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("successful submission is queued and enqueued", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()

		created, err := f.svc.Submit(ctx, ownerID, SubmitRequest{
			Kind:    domain.TaskKindFinetune,
			Name:    "detect people",
			Config:  json.RawMessage(`{"model":"yolo11n.pt","epochs":3}`),
			Dataset: validDataset(t),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusQueued, created.Status)
		assert.Equal(t, ownerID, created.OwnerID)

		stored, err := f.taskStore.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusQueued, stored.Status)

		require.Equal(t, []uuid.UUID{created.ID}, f.broker.enqueuedIDs())

		paths := artifact.PathsFor(created.ArtifactPath)
		assert.FileExists(t, filepath.Join(paths.Input, "dataset.zip"))
		assert.FileExists(t, filepath.Join(paths.Dataset, "data.yaml"))
	})

	t.Run("model upload is staged alongside the dataset", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		created, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind:    domain.TaskKindValidate,
			Dataset: validDataset(t),
			Model:   bytes.NewReader([]byte("checkpoint-bytes")),
		})
		require.NoError(t, err)

		paths := artifact.PathsFor(created.ArtifactPath)
		assert.FileExists(t, filepath.Join(paths.Input, "model.pt"))
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind:    domain.TaskKind("segment"),
			Dataset: validDataset(t),
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("missing dataset is rejected", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind: domain.TaskKindFinetune,
		})
		assert.ErrorIs(t, err, ErrMissingDataset)
	})

	t.Run("invalid config is rejected before staging", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind:    domain.TaskKindFinetune,
			Config:  json.RawMessage(`{"epochs":-1}`),
			Dataset: validDataset(t),
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Empty(t, f.broker.enqueuedIDs())
	})

	t.Run("archive escaping the dataset dir abandons the task", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind: domain.TaskKindFinetune,
			Dataset: datasetZip(t, map[string]string{
				"../../escape.txt": "gotcha",
			}),
		})
		assert.ErrorIs(t, err, domain.ErrValidation)

		// Neither record nor directories survive.
		tasks, err := f.taskStore.ListByStatus(ctx,
			domain.TaskStatusPending, domain.TaskStatusQueued, domain.TaskStatusFailed)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		entries, err := os.ReadDir(f.artifacts.Root())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("garbage archive abandons the task", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind:    domain.TaskKindFinetune,
			Dataset: bytes.NewReader([]byte("this is not a zip")),
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("full queue fails the task with a queue error", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		f.broker.enqueueErr = task.ErrQueueFull

		_, err := f.svc.Submit(ctx, uuid.New(), SubmitRequest{
			Kind:    domain.TaskKindFinetune,
			Dataset: validDataset(t),
		})
		require.ErrorIs(t, err, task.ErrQueueFull)

		failed, err := f.taskStore.ListByStatus(ctx, domain.TaskStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.NotNil(t, failed[0].Error)
		assert.Equal(t, domain.ErrCodeQueueError, failed[0].Error.Code)
	})
}

func TestTaskService_Get(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("queued task reports its position", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()

		first := f.seedTask(t, ownerID, domain.TaskStatusQueued)
		time.Sleep(5 * time.Millisecond)
		second := f.seedTask(t, ownerID, domain.TaskStatusQueued)

		detail, err := f.svc.Get(ctx, ownerID, second.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.QueuePosition)
		assert.Equal(t, 1, *detail.QueuePosition)

		detail, err = f.svc.Get(ctx, ownerID, first.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.QueuePosition)
		assert.Equal(t, 0, *detail.QueuePosition)
		// The stored fallback cannot see the queue depth.
		assert.Nil(t, detail.QueueTotal)
	})

	t.Run("live queue estimate includes the total", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusQueued)
		f.broker.positions = map[uuid.UUID]int{tk.ID: 2}
		f.broker.pendingTotal = 5

		detail, err := f.svc.Get(ctx, ownerID, tk.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.QueuePosition)
		assert.Equal(t, 2, *detail.QueuePosition)
		require.NotNil(t, detail.QueueTotal)
		assert.Equal(t, 5, *detail.QueueTotal)
	})

	t.Run("non-queued task has no position", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusRunning)

		detail, err := f.svc.Get(ctx, ownerID, tk.ID)
		require.NoError(t, err)
		assert.Nil(t, detail.QueuePosition)
	})

	t.Run("someone else's task reads as not found", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		tk := f.seedTask(t, uuid.New(), domain.TaskStatusQueued)

		_, err := f.svc.Get(ctx, uuid.New(), tk.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskService_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pending task is cancelled directly", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusPending)

		require.NoError(t, f.svc.Cancel(ctx, ownerID, tk.ID))

		stored, err := f.taskStore.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, stored.Status)
		assert.NotNil(t, stored.FinishedAt)
	})

	t.Run("queued task is revoked and cancelled", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusQueued)

		require.NoError(t, f.svc.Cancel(ctx, ownerID, tk.ID))

		assert.Equal(t, []uuid.UUID{tk.ID}, f.broker.revokedIDs())
		stored, err := f.taskStore.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, stored.Status)
	})

	t.Run("running task gets flagged and signalled", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusRunning)
		f.signaler.setRunning(tk.ID)

		require.NoError(t, f.svc.Cancel(ctx, ownerID, tk.ID))

		stored, err := f.taskStore.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, stored.Status)
		assert.True(t, stored.CancelRequested)
		assert.Equal(t, []uuid.UUID{tk.ID}, f.signaler.signalledIDs())
	})

	t.Run("concurrent cancels settle a running job exactly once", func(t *testing.T) {
		t.Parallel()

		log := logger.FromContext(context.Background())
		artifacts, err := artifact.NewManager(t.TempDir(), 64<<20, log)
		require.NoError(t, err)

		taskStore := newMemoryTaskStore()
		broker := task.NewChannelBroker(4, log)
		runner := &ml.SimulatorRunner{StepDelay: 20 * time.Millisecond}
		engine := task.NewEngine(taskStore, broker, runner, artifacts,
			task.EngineConfig{WorkerCount: 1}, log)

		svc, err := NewTaskService(taskStore, artifacts, broker, engine, log)
		require.NoError(t, err)

		require.NoError(t, engine.Start())
		defer engine.Stop()

		ownerID := uuid.New()
		created, err := svc.Submit(ctx, ownerID, SubmitRequest{
			Kind:    domain.TaskKindFinetune,
			Name:    "long run",
			Config:  json.RawMessage(`{"model":"yolo11n.pt","epochs":200}`),
			Dataset: validDataset(t),
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return engine.IsRunning(created.ID)
		}, 2*time.Second, 5*time.Millisecond)

		// Every racing cancel succeeds; the record settles once.
		errs := make([]error, 8)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = svc.Cancel(ctx, ownerID, created.ID)
			}(i)
		}
		wg.Wait()
		for _, cancelErr := range errs {
			assert.NoError(t, cancelErr)
		}

		require.Eventually(t, func() bool {
			stored, err := taskStore.GetByID(ctx, created.ID)
			return err == nil && stored.Status == domain.TaskStatusCancelled
		}, 5*time.Second, 10*time.Millisecond)

		stored, err := taskStore.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.FinishedAt)
		finished := *stored.FinishedAt

		// No late writer rewrites the settled record.
		time.Sleep(50 * time.Millisecond)
		stored, err = taskStore.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, stored.Status)
		assert.Equal(t, finished, *stored.FinishedAt)
	})

	t.Run("finished task is a no-op", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusCompleted)

		require.NoError(t, f.svc.Cancel(ctx, ownerID, tk.ID))

		stored, err := f.taskStore.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
		assert.False(t, stored.CancelRequested)
	})

	t.Run("unknown task", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)

		err := f.svc.Cancel(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskService_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("deletes artifacts and record", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusCompleted)

		require.DirExists(t, tk.ArtifactPath)
		require.NoError(t, f.svc.Delete(ctx, ownerID, tk.ID))

		assert.NoDirExists(t, tk.ArtifactPath)
		_, err := f.taskStore.GetByID(ctx, tk.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("unfinished tasks are refused", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()

		for _, status := range []domain.TaskStatus{
			domain.TaskStatusPending,
			domain.TaskStatusQueued,
			domain.TaskStatusRunning,
		} {
			tk := f.seedTask(t, ownerID, status)

			err := f.svc.Delete(ctx, ownerID, tk.ID)
			assert.ErrorIs(t, err, ErrTaskActive, "status %s", status)

			_, getErr := f.taskStore.GetByID(ctx, tk.ID)
			assert.NoError(t, getErr)
			assert.DirExists(t, tk.ArtifactPath)
		}
	})

	t.Run("someone else's task reads as not found", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		tk := f.seedTask(t, uuid.New(), domain.TaskStatusCompleted)

		err := f.svc.Delete(ctx, uuid.New(), tk.ID)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}

func TestTaskService_Logs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newServiceFixture(t)
	ownerID := uuid.New()
	tk := f.seedTask(t, ownerID, domain.TaskStatusRunning)

	paths := artifact.PathsFor(tk.ArtifactPath)
	content := "epoch 1/3 batch 1/10 2.50it/s\nepoch 1/3 batch 2/10 2.61it/s\nepoch 1/3 batch 3/10 2.58it/s\n"
	require.NoError(t, os.WriteFile(paths.LogFile, []byte(content), 0o644))

	lines, err := f.svc.Logs(ctx, ownerID, tk.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"epoch 1/3 batch 2/10 2.61it/s",
		"epoch 1/3 batch 3/10 2.58it/s",
	}, lines)

	t.Run("no log yet means no lines", func(t *testing.T) {
		fresh := f.seedTask(t, ownerID, domain.TaskStatusQueued)
		lines, err := f.svc.Logs(ctx, ownerID, fresh.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})
}

func TestTaskService_OutputArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("completed task streams its output", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusCompleted)

		paths := artifact.PathsFor(tk.ArtifactPath)
		weightsDir := filepath.Join(paths.Output, "weights")
		require.NoError(t, os.MkdirAll(weightsDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(weightsDir, "best.pt"), []byte("weights"), 0o644))

		var buf bytes.Buffer
		require.NoError(t, f.svc.OutputArchive(ctx, ownerID, tk.ID, &buf))

		zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
		require.NoError(t, err)
		require.Len(t, zr.File, 1)
		assert.Equal(t, "weights/best.pt", zr.File[0].Name)
	})

	t.Run("unfinished task has no outputs", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusRunning)

		err := f.svc.OutputArchive(ctx, ownerID, tk.ID, io.Discard)
		assert.ErrorIs(t, err, ErrTaskNotCompleted)
	})

	t.Run("completed task without weights", func(t *testing.T) {
		t.Parallel()
		f := newServiceFixture(t)
		ownerID := uuid.New()
		tk := f.seedTask(t, ownerID, domain.TaskStatusCompleted)

		err := f.svc.OutputArchive(ctx, ownerID, tk.ID, io.Discard)
		assert.ErrorIs(t, err, artifact.ErrNoOutputFiles)
	})
}
