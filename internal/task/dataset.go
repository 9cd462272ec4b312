package task

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/visiontune/visiontune-api/internal/domain"
)

// descriptorFileName is the user-supplied dataset descriptor expected at
// the top of an extracted dataset.
const descriptorFileName = "data.yaml"

// trainingDescriptorFileName is the rewritten descriptor handed to the
// trainer, with the dataset path pinned to its extracted location.
const trainingDescriptorFileName = "data_for_training.yaml"

// PrepareDescriptor validates the dataset descriptor inside datasetDir
// and writes the trainer-facing copy with an absolute dataset path.
// Returns the path of the rewritten descriptor.
//
// The descriptor must name train and val image sets and a non-empty
// class name collection ('names' may be a list or an index map, as both
// forms are common in the wild). Unknown keys are carried through.
func PrepareDescriptor(datasetDir string) (string, error) {
	srcPath := filepath.Join(datasetDir, descriptorFileName)
	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", datasetError("dataset descriptor %s is missing", descriptorFileName)
		}
		return "", fmt.Errorf("failed to read dataset descriptor: %w", err)
	}

	var desc map[string]any
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return "", datasetError("dataset descriptor is not valid YAML: %v", err)
	}
	if desc == nil {
		return "", datasetError("dataset descriptor is empty")
	}

	for _, key := range []string{"train", "val"} {
		value, ok := desc[key].(string)
		if !ok || value == "" {
			return "", datasetError("dataset descriptor must set '%s'", key)
		}
	}

	switch names := desc["names"].(type) {
	case []any:
		if len(names) == 0 {
			return "", datasetError("dataset descriptor must define class 'names'")
		}
	case map[string]any:
		if len(names) == 0 {
			return "", datasetError("dataset descriptor must define class 'names'")
		}
	case map[any]any:
		// Index-keyed name maps decode with non-string keys.
		if len(names) == 0 {
			return "", datasetError("dataset descriptor must define class 'names'")
		}
	default:
		return "", datasetError("dataset descriptor must define class 'names'")
	}

	absDir, err := filepath.Abs(datasetDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve dataset directory: %w", err)
	}

	// The trainer resolves train/val relative to 'path'; pin it to the
	// extracted dataset regardless of what the upload claimed.
	desc["path"] = absDir

	out, err := yaml.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dataset descriptor: %w", err)
	}

	dstPath := filepath.Join(datasetDir, trainingDescriptorFileName)
	if err := os.WriteFile(dstPath, out, 0o644); err != nil {
		return "", fmt.Errorf("failed to write training descriptor: %w", err)
	}

	return dstPath, nil
}

// datasetError builds a validation error that maps to the
// dataset_invalid task error code.
func datasetError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}
