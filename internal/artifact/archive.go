package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafeArchivePath is returned when an archive entry would be
// written outside its extraction directory.
var ErrUnsafeArchivePath = errors.New("archive entry escapes extraction directory")

// ErrNoOutputFiles is returned when an output archive is requested but
// the job produced nothing to package.
var ErrNoOutputFiles = errors.New("no output files to archive")

// ExtractDataset unpacks a zip archive into destDir. Every entry path is
// validated before any bytes are written: entries with absolute paths or
// path traversal components are rejected with ErrUnsafeArchivePath and
// nothing is extracted.
func (m *Manager) ExtractDataset(archivePath, destDir string) error {
	if err := m.ensureInsideRoot(destDir); err != nil {
		return err
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			m.logger.Error("failed to close archive", slog.String("error", err.Error()))
		}
	}()

	// Validate all entry paths up front so a bad entry late in the
	// archive cannot leave a half-extracted dataset behind.
	for _, f := range r.File {
		if _, err := safeJoin(destDir, f.Name); err != nil {
			return err
		}
	}

	for _, f := range r.File {
		// Skip macOS metadata entries that tools like Finder add.
		if strings.HasPrefix(f.Name, "__MACOSX") {
			continue
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", f.Name, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	m.logger.Debug("extracted dataset archive",
		slog.String("archive", archivePath),
		slog.String("dest", destDir),
		slog.Int("entries", len(r.File)))
	return nil
}

// safeJoin joins an archive entry name onto destDir, rejecting absolute
// paths and any path that resolves outside destDir.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}

	target := filepath.Join(destDir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	return target, nil
}

// extractFile writes a single archive entry to its target path.
func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", f.Name, err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Name, err)
	}

	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}

// ArchiveOutput writes a zip of everything under outputDir to w, entry
// names relative to outputDir. Returns ErrNoOutputFiles when the job
// has produced nothing yet.
func (m *Manager) ArchiveOutput(outputDir string, w io.Writer) error {
	files, err := findOutputFiles(outputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return ErrNoOutputFiles
	}

	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := addToArchive(zw, outputDir, rel); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	m.logger.Debug("archived job output",
		slog.String("dir", outputDir),
		slog.Int("files", len(files)))
	return nil
}

// findOutputFiles walks outputDir collecting file paths relative to it.
func findOutputFiles(outputDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoOutputFiles
		}
		return nil, fmt.Errorf("failed to scan output directory: %w", err)
	}
	return files, nil
}

// addToArchive stores one file in the zip under its path relative to
// the output directory, with forward slashes per the zip format.
func addToArchive(zw *zip.Writer, outputDir, rel string) error {
	src, err := os.Open(filepath.Join(outputDir, rel))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer func() { _ = src.Close() }()

	entry, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", rel, err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", rel, err)
	}
	return nil
}
