package ml

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// cancelPollInterval is how often a running job checks for a
// cancellation request.
const cancelPollInterval = 500 * time.Millisecond

// metricsFileName is where the trainer drops its final metrics.
const metricsFileName = "metrics.json"

// progressLinePattern matches the trainer's progress lines, e.g.
// "epoch 3/10 batch 40/120 1.25it/s".
var progressLinePattern = regexp.MustCompile(
	`^epoch (\d+)/(\d+)(?: batch (\d+)/(\d+))?(?: ([\d.]+it/s))?`,
)

// SubprocessRunner executes jobs by spawning an external trainer binary
// and following its stdout line by line.
type SubprocessRunner struct {
	binary string
	logger *slog.Logger
}

// NewSubprocessRunner creates a runner that invokes the given trainer
// binary. If logger is nil, a default logger will be used.
func NewSubprocessRunner(binary string, logger *slog.Logger) *SubprocessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessRunner{
		binary: binary,
		logger: logger.With(slog.String("component", "subprocess_runner")),
	}
}

var _ Runner = (*SubprocessRunner)(nil)

// Run implements Runner. The trainer's stdout and stderr are appended to
// the job's log file; stdout is additionally parsed for progress lines.
// A cancellation request kills the process and returns ErrCancelled.
func (r *SubprocessRunner) Run(
	ctx context.Context,
	job Job,
	onProgress ProgressFunc,
	cancelled CancelFunc,
) (*domain.ResultSummary, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	logFile, err := os.OpenFile(job.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.CommandContext(runCtx, r.binary, buildArgs(job)...)
	cmd.Stderr = logFile

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start trainer: %w", err)
	}

	r.logger.Info("trainer started",
		slog.String("binary", r.binary),
		slog.String("kind", string(job.Kind)),
		slog.Int("pid", cmd.Process.Pid))

	// Poll for cancellation while the process runs. Killing via the
	// context lets CommandContext clean up the process group.
	var wasCancelled bool
	var mu sync.Mutex
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if cancelled != nil && cancelled() {
					mu.Lock()
					wasCancelled = true
					mu.Unlock()
					stop()
					return
				}
			}
		}
	}()

	followStdout(stdout, logFile, onProgress)

	waitErr := cmd.Wait()
	stop()
	<-pollDone

	mu.Lock()
	jobCancelled := wasCancelled
	mu.Unlock()

	if jobCancelled {
		r.logger.Info("trainer stopped after cancellation request",
			slog.Int("pid", cmd.Process.Pid))
		return nil, ErrCancelled
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		r.logger.Error("trainer exited with error",
			slog.String("error", waitErr.Error()),
			slog.String("kind", string(job.Kind)))
		return nil, fmt.Errorf("trainer failed: %w", waitErr)
	}

	summary, err := readResultSummary(job.OutputDir)
	if err != nil {
		return nil, err
	}

	r.logger.Info("trainer finished",
		slog.String("kind", string(job.Kind)))
	return summary, nil
}

// buildArgs assembles the trainer command line for a job.
func buildArgs(job Job) []string {
	mode := "train"
	if job.Kind == domain.TaskKindValidate {
		mode = "val"
	}

	args := []string{
		mode,
		"--model", job.Model,
		"--data", job.DataConfig,
		"--output", job.OutputDir,
	}
	if job.Kind == domain.TaskKindFinetune && job.Epochs > 0 {
		args = append(args, "--epochs", strconv.Itoa(job.Epochs))
	}
	if job.BatchSize > 0 {
		args = append(args, "--batch", strconv.Itoa(job.BatchSize))
	}
	if job.ImageSize > 0 {
		args = append(args, "--imgsz", strconv.Itoa(job.ImageSize))
	}
	return args
}

// followStdout copies trainer output to the log file while parsing
// progress lines as they arrive.
func followStdout(stdout io.Reader, logFile io.Writer, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)

		if onProgress == nil {
			continue
		}
		if progress, ok := ParseProgressLine(line); ok {
			onProgress(progress)
		}
	}
}

// ParseProgressLine extracts a progress snapshot from one trainer output
// line. The second return value reports whether the line carried
// progress information.
func ParseProgressLine(line string) (domain.Progress, bool) {
	matches := progressLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if matches == nil {
		return domain.Progress{}, false
	}

	current, _ := strconv.Atoi(matches[1])
	total, _ := strconv.Atoi(matches[2])
	progress := domain.Progress{
		CurrentStep: current,
		TotalSteps:  total,
		Throughput:  matches[5],
	}
	if matches[3] != "" {
		progress.Message = fmt.Sprintf("batch %s/%s", matches[3], matches[4])
	}
	return progress, true
}

// readResultSummary loads the metrics file the trainer writes on
// success. A missing file yields an empty summary rather than an error;
// validation-only runs may not produce one.
func readResultSummary(outputDir string) (*domain.ResultSummary, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, metricsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.ResultSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read metrics file: %w", err)
	}

	var summary domain.ResultSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse metrics file: %w", err)
	}
	return &summary, nil
}
