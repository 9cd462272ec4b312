package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrUploadTooLarge is returned when a staged upload exceeds the
// configured size cap.
var ErrUploadTooLarge = errors.New("upload exceeds maximum allowed size")

// StageUpload streams an uploaded file into the given destination path,
// enforcing the manager's size cap. The destination's parent directory
// must already exist. A partial file is removed on failure.
func (m *Manager) StageUpload(dst string, r io.Reader) (int64, error) {
	if err := m.ensureInsideRoot(dst); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}

	// Read one byte past the cap so oversized uploads are detected
	// without reading the whole stream.
	written, err := io.Copy(f, io.LimitReader(r, m.maxUploadBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("failed to stage upload: %w", err)
	}
	if written > m.maxUploadBytes {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("%w: limit %d bytes", ErrUploadTooLarge, m.maxUploadBytes)
	}

	return written, nil
}
