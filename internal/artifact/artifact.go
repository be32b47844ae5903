// Package artifact manages the per-job output directories that containers
// write through their /artifacts mount. Artifacts survive job completion
// until the cleanup sweeper purges them with the rest of the job's
// byproducts.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"flashpods/internal/apperrors"
)

// Artifact is a single output file of a job.
type Artifact struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Store lays out one directory per job under a fixed root.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Dir returns the host directory that holds a job's artifacts.
func (s *Store) Dir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// EnsureDir creates the job's artifact directory and returns its path.
func (s *Store) EnsureDir(jobID string) (string, error) {
	dir := s.Dir(jobID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", apperrors.Internal("artifact.ensureDir", fmt.Errorf("job %s: %w", jobID, err))
	}
	return dir, nil
}

// List returns the job's artifacts sorted by name. A job with no artifact
// directory simply has none.
func (s *Store) List(jobID string) ([]Artifact, error) {
	entries, err := os.ReadDir(s.Dir(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("artifact.list", fmt.Errorf("job %s: %w", jobID, err))
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{Name: entry.Name(), SizeBytes: info.Size()})
	}
	return artifacts, nil
}

// Open returns a reader for one artifact by name. The name must be a plain
// file name; path traversal out of the job directory is rejected.
func (s *Store) Open(jobID, name string) (*os.File, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, apperrors.Validation("name", "invalid artifact name")
	}
	f, err := os.Open(filepath.Join(s.Dir(jobID), name))
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("artifact", name)
	}
	if err != nil {
		return nil, apperrors.Internal("artifact.open", err)
	}
	return f, nil
}

// DeleteAll removes the job's artifact directory. Idempotent.
func (s *Store) DeleteAll(jobID string) error {
	if err := os.RemoveAll(s.Dir(jobID)); err != nil {
		return apperrors.Internal("artifact.deleteAll", fmt.Errorf("job %s: %w", jobID, err))
	}
	return nil
}
