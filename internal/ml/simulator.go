package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// SimulatorRunner fakes a trainer entirely in-process: it steps through
// the requested epochs, writes plausible outputs, and honors
// cancellation between steps. Used when runner.simulate is enabled and
// throughout the test suite.
type SimulatorRunner struct {
	// StepDelay is the pause per simulated epoch. Zero means no pause.
	StepDelay time.Duration
}

var _ Runner = (*SimulatorRunner)(nil)

// Run implements Runner.
func (r *SimulatorRunner) Run(
	ctx context.Context,
	job Job,
	onProgress ProgressFunc,
	cancelled CancelFunc,
) (*domain.ResultSummary, error) {
	epochs := job.Epochs
	if job.Kind == domain.TaskKindValidate || epochs <= 0 {
		epochs = 1
	}

	logFile, err := os.OpenFile(job.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	fmt.Fprintf(logFile, "simulator: %s starting, model=%s data=%s\n",
		job.Kind, job.Model, job.DataConfig)

	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cancelled != nil && cancelled() {
			fmt.Fprintf(logFile, "simulator: cancelled at epoch %d/%d\n", epoch, epochs)
			return nil, ErrCancelled
		}

		if r.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.StepDelay):
			}
		}

		line := fmt.Sprintf("epoch %d/%d batch %d/%d 8.00it/s", epoch, epochs, 10, 10)
		fmt.Fprintln(logFile, line)
		if onProgress != nil {
			if progress, ok := ParseProgressLine(line); ok {
				onProgress(progress)
			}
		}
	}

	summary, err := r.writeOutputs(job, epochs)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(logFile, "simulator: %s finished\n", job.Kind)
	return summary, nil
}

// writeOutputs produces the artifacts a real trainer would leave behind.
func (r *SimulatorRunner) writeOutputs(job Job, epochs int) (*domain.ResultSummary, error) {
	summary := &domain.ResultSummary{
		Metrics: map[string]float64{
			"mAP50":     0.85,
			"mAP50-95":  0.62,
			"precision": 0.88,
			"recall":    0.81,
		},
	}

	// A validation run has no training epochs; its summary is metrics only.
	if job.Kind == domain.TaskKindFinetune {
		best := epochs
		summary.BestEpoch = &best
		weightsDir := filepath.Join(job.OutputDir, "weights")
		if err := os.MkdirAll(weightsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create weights dir: %w", err)
		}
		for _, name := range []string{"best.pt", "last.pt"} {
			path := filepath.Join(weightsDir, name)
			if err := os.WriteFile(path, []byte("simulated weights"), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", name, err)
			}
		}
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	metricsPath := filepath.Join(job.OutputDir, metricsFileName)
	if err := os.WriteFile(metricsPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write metrics file: %w", err)
	}

	return summary, nil
}
