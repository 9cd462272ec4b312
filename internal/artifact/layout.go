package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// Subdirectory names inside a task's working directory.
const (
	inputDirName   = "input"
	datasetDirName = "dataset"
	outputDirName  = "output"
	logDirName     = "log"

	// logFileName is the single log file each job appends to.
	logFileName = "task.log"
)

// ErrOutsideRoot is returned when a path that should live under the
// artifact root resolves to somewhere else. Purge refuses to touch
// such paths.
var ErrOutsideRoot = errors.New("path escapes artifact root")

// Paths holds the resolved locations inside one task's working directory.
type Paths struct {
	// Root is the task's working directory itself.
	Root string

	// Input holds uploaded files exactly as received.
	Input string

	// Dataset holds the extracted, training-ready dataset.
	Dataset string

	// Output holds everything the job produces: weights, metrics, plots.
	Output string

	// Log is the directory for job logs, kept under Output so that
	// archiving outputs captures the logs too.
	Log string

	// LogFile is the job's append-only log file.
	LogFile string
}

// PathsFor derives the standard sublocations from a task's working directory.
func PathsFor(taskDir string) Paths {
	logDir := filepath.Join(taskDir, outputDirName, logDirName)
	return Paths{
		Root:    taskDir,
		Input:   filepath.Join(taskDir, inputDirName),
		Dataset: filepath.Join(taskDir, datasetDirName),
		Output:  filepath.Join(taskDir, outputDirName),
		Log:     logDir,
		LogFile: filepath.Join(logDir, logFileName),
	}
}

// Manager allocates and removes per-task directories under a single root.
// The layout is <root>/<owner_id>/<kind>/<task_id>/.
type Manager struct {
	root           string
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewManager creates a Manager rooted at the given directory, creating it
// if necessary. maxUploadBytes caps the size of staged uploads.
// If logger is nil, a default logger will be used.
func NewManager(root string, maxUploadBytes int64, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.New("artifact root cannot be empty")
	}
	if maxUploadBytes <= 0 {
		return nil, errors.New("max upload size must be positive")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		root:           abs,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(slog.String("component", "artifact_manager")),
	}, nil
}

// Root returns the absolute artifact root directory.
func (m *Manager) Root() string {
	return m.root
}

// TaskDir returns the working directory for a task without creating it.
func (m *Manager) TaskDir(ownerID uuid.UUID, kind domain.TaskKind, taskID uuid.UUID) string {
	return filepath.Join(m.root, ownerID.String(), string(kind), taskID.String())
}

// Allocate creates the full directory skeleton for a task and returns
// the resolved paths. Allocation is idempotent.
func (m *Manager) Allocate(
	ownerID uuid.UUID,
	kind domain.TaskKind,
	taskID uuid.UUID,
) (Paths, error) {
	paths := PathsFor(m.TaskDir(ownerID, kind, taskID))

	for _, dir := range []string{paths.Input, paths.Dataset, paths.Output, paths.Log} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m.logger.Debug("allocated task directories",
		slog.String("task_id", taskID.String()),
		slog.String("dir", paths.Root))
	return paths, nil
}

// Purge removes a task's working directory and everything under it.
// The directory must resolve to a location under the artifact root;
// anything else returns ErrOutsideRoot untouched.
// Purging a directory that no longer exists is not an error.
func (m *Manager) Purge(taskDir string) error {
	if err := m.ensureInsideRoot(taskDir); err != nil {
		return err
	}

	if err := os.RemoveAll(taskDir); err != nil {
		return fmt.Errorf("failed to purge %s: %w", taskDir, err)
	}

	m.logger.Debug("purged task directory", slog.String("dir", taskDir))
	return nil
}

// DiscardOutputs removes a cancelled job's partial results from its
// output directory, keeping the log subtree so the run remains
// inspectable. A missing output directory is not an error.
func (m *Manager) DiscardOutputs(outputDir string) error {
	if err := m.ensureInsideRoot(outputDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", outputDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == logDirName {
			continue
		}
		path := filepath.Join(outputDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	m.logger.Debug("discarded partial outputs", slog.String("dir", outputDir))
	return nil
}

// ensureInsideRoot rejects paths that resolve outside the artifact root.
func (m *Manager) ensureInsideRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	// The root itself does not count; only task directories below it
	// may be removed.
	if !strings.HasPrefix(abs, m.root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}
