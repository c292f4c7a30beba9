package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore places retrieval artifacts under one working directory
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates a store rooted at dir. The directory is created on first write.
func NewArtifactStore(dir string) *ArtifactStore {
	if dir == "" {
		dir = "downloads"
	}
	return &ArtifactStore{dir: dir}
}

// Dir returns the working directory
func (s *ArtifactStore) Dir() string {
	return s.dir
}

// Paths returns the image and document paths for a job. Names carry the job ID so that
// concurrent jobs for the same roll number never share a file.
func (s *ArtifactStore) Paths(rollNo, jobID string) (image, document string) {
	base := sanitizeName(rollNo)
	if jobID != "" {
		base += "-" + sanitizeName(jobID)
	}
	return filepath.Join(s.dir, base+".png"), filepath.Join(s.dir, base+".pdf")
}

// Write stores data at path, creating the working directory if needed
func (s *ArtifactStore) Write(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// sanitizeName keeps roll numbers from escaping the working directory
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "result"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
