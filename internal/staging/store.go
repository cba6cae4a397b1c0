// Package staging manages the private directory where a job's input, its copy
// of the transformation worker and the worker output live while the job runs.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/dunamismax/pixelshift/internal/domain"
)

const workerPrefix = "worker_"

var ErrInvalidName = errors.New("invalid staged file name")

// Store is rooted at a single directory injected at construction. Every file
// it creates is keyed by a job id, so concurrent jobs never share a path.
type Store struct {
	fs           afero.Fs
	root         string
	workerSource string
}

func NewStore(fs afero.Fs, root, workerSource string) (*Store, error) {
	if fs == nil {
		return nil, errors.New("staging filesystem is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("staging root is required")
	}
	if strings.TrimSpace(workerSource) == "" {
		return nil, errors.New("worker program path is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	return &Store{
		fs:           fs,
		root:         absRoot,
		workerSource: workerSource,
	}, nil
}

// Root is the absolute staging directory.
func (s *Store) Root() string {
	return s.root
}

// Ensure creates the staging root if it is missing. It is safe to call any
// number of times.
func (s *Store) Ensure() error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	return nil
}

// WriteInput streams the uploaded bytes to the artifact's staged path. The
// file is created exclusively and never overwrites an existing one.
func (s *Store) WriteInput(artifact domain.UploadArtifact, src io.Reader) (string, int64, error) {
	path := s.Path(artifact.FileName())

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create staged input: %w", err)
	}

	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(path)
		return "", 0, fmt.Errorf("write staged input: %w", err)
	}
	return path, n, nil
}

// StageWorker copies the worker program into the staging directory under a
// name private to the job and returns the copy's path.
func (s *Store) StageWorker(jobID string) (string, error) {
	path := s.Path(s.WorkerName(jobID))

	src, err := s.fs.Open(s.workerSource)
	if err != nil {
		return "", fmt.Errorf("open worker program: %w", err)
	}
	defer src.Close()

	dst, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("create staged worker: %w", err)
	}
	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("copy worker program: %w", err)
	}
	return path, nil
}

// CheckWorker verifies that the worker program exists and is a regular file.
func (s *Store) CheckWorker() error {
	info, err := s.fs.Stat(s.workerSource)
	if err != nil {
		return fmt.Errorf("stat worker program: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("worker program %s is not a regular file", s.workerSource)
	}
	return nil
}

// WorkerName is the base name of the job's private worker copy.
func (s *Store) WorkerName(jobID string) string {
	return workerPrefix + jobID + filepath.Ext(s.workerSource)
}

// OutputPath is where the worker must write the processed image.
func (s *Store) OutputPath(artifact domain.UploadArtifact) string {
	return s.Path(artifact.ProcessedFileName())
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Remove deletes staged files by base name. Missing files are not an error.
func (s *Store) Remove(names ...string) error {
	var errs []error
	for _, name := range names {
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidName, name))
			continue
		}
		if err := s.fs.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
