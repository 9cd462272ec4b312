package ml

import (
	"context"
	"errors"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// ErrCancelled is returned by Run when the job stopped because
// cancellation was requested, as opposed to failing.
var ErrCancelled = errors.New("job cancelled")

// Job describes one trainer invocation. All paths are absolute.
type Job struct {
	// Kind selects between fine-tuning and validation.
	Kind domain.TaskKind

	// Model is the base model: either a path to uploaded weights or a
	// preset model name the trainer resolves itself.
	Model string

	// DataConfig is the path to the dataset descriptor file.
	DataConfig string

	// OutputDir receives weights, metrics and plots.
	OutputDir string

	// LogFile is appended to for the lifetime of the run.
	LogFile string

	// Epochs is the number of training epochs. Ignored for validation.
	Epochs int

	// BatchSize is the training batch size.
	BatchSize int

	// ImageSize is the square input resolution in pixels.
	ImageSize int
}

// ProgressFunc receives progress snapshots during a run. Implementations
// must be safe to call from the runner's goroutine.
type ProgressFunc func(progress domain.Progress)

// CancelFunc reports whether cancellation has been requested. The runner
// polls it between units of work.
type CancelFunc func() bool

// Runner executes ML jobs. Run blocks until the job finishes, is
// cancelled, or fails. On cancellation it returns ErrCancelled; the
// caller decides what to record. onProgress and cancelled may be nil.
type Runner interface {
	Run(
		ctx context.Context,
		job Job,
		onProgress ProgressFunc,
		cancelled CancelFunc,
	) (*domain.ResultSummary, error)
}
