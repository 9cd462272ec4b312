package artifact

import (
	"fmt"
	"os"
	"strings"
)

// maxTailBytes bounds how much of a log file TailLines reads. Training
// logs can grow large; only the end of the file is ever needed.
const maxTailBytes = 1 << 20

// TailLines returns the last n lines of the file at path. A missing
// file yields no lines rather than an error, since a job may not have
// logged anything yet.
func TailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	// Read only the tail of large files.
	offset := int64(0)
	size := info.Size()
	if size > maxTailBytes {
		offset = size - maxTailBytes
	}

	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}

	lines := strings.Split(text, "\n")
	// Drop a possibly truncated first line when reading from an offset.
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
