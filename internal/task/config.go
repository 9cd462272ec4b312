package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// Default hyperparameters applied when a job config leaves them unset.
const (
	DefaultEpochs    = 10
	DefaultBatchSize = 16
	DefaultImageSize = 640

	// MaxEpochs bounds requested training length.
	MaxEpochs = 1000
)

// FinetuneModelPrefix marks a model reference pointing at the output of
// an earlier fine-tune task, e.g. "finetune:5e8f...".
const FinetuneModelPrefix = "finetune:"

// presetModels are the base models the trainer can resolve by name.
var presetModels = map[string]bool{
	"yolo11n.pt": true,
	"yolo11s.pt": true,
	"yolo11m.pt": true,
	"yolo11l.pt": true,
	"yolo11x.pt": true,
}

// PresetModels returns the sorted list of built-in base model names.
func PresetModels() []string {
	names := make([]string, 0, len(presetModels))
	for _, name := range []string{"yolo11n.pt", "yolo11s.pt", "yolo11m.pt", "yolo11l.pt", "yolo11x.pt"} {
		if presetModels[name] {
			names = append(names, name)
		}
	}
	return names
}

// IsPresetModel reports whether name is a built-in base model.
func IsPresetModel(name string) bool {
	return presetModels[name]
}

// JobConfig is the user-supplied configuration stored in a task record.
type JobConfig struct {
	// Model selects the base model: a preset name, "finetune:<task_id>"
	// for a previous fine-tune's weights, or empty when a model file was
	// uploaded instead.
	Model string `json:"model,omitempty"`

	// Epochs is the number of training epochs.
	Epochs int `json:"epochs,omitempty"`

	// BatchSize is the training batch size.
	BatchSize int `json:"batch_size,omitempty"`

	// ImageSize is the square input resolution in pixels.
	ImageSize int `json:"image_size,omitempty"`
}

// ParseJobConfig decodes and bounds-checks a task's stored config,
// filling in defaults for unset fields.
func ParseJobConfig(raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	if len(raw) > 0 {
		decoder := json.NewDecoder(strings.NewReader(string(raw)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return JobConfig{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}

	if cfg.Epochs == 0 {
		cfg.Epochs = DefaultEpochs
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = DefaultImageSize
	}

	if cfg.Epochs < 1 || cfg.Epochs > MaxEpochs {
		return JobConfig{}, fmt.Errorf("%w: epochs must be between 1 and %d", domain.ErrValidation, MaxEpochs)
	}
	if cfg.BatchSize < 1 {
		return JobConfig{}, fmt.Errorf("%w: batch_size must be positive", domain.ErrValidation)
	}
	if cfg.ImageSize < 32 {
		return JobConfig{}, fmt.Errorf("%w: image_size must be at least 32", domain.ErrValidation)
	}

	return cfg, nil
}

// FinetuneRef extracts the task ID from a "finetune:<task_id>" model
// reference. The second return value reports whether the model string
// is such a reference at all.
func FinetuneRef(model string) (uuid.UUID, bool, error) {
	if !strings.HasPrefix(model, FinetuneModelPrefix) {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(model, FinetuneModelPrefix))
	if err != nil {
		return uuid.Nil, true, fmt.Errorf("%w: invalid fine-tune task reference", domain.ErrValidation)
	}
	return id, true, nil
}
