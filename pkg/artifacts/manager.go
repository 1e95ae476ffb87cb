// Package artifacts hands build outputs from producing jobs to downstream
// consumers. Published sets are stored as archives outside any workspace so
// they survive workspace cleanup between instances.
package artifacts

import (
	"fmt"
	"path/filepath"

	"github.com/gosimple/slug"

	"github.com/opnlabs/gantry/pkg/store"
	"github.com/opnlabs/gantry/pkg/utils"
)

type ArtifactManager interface {
	// PublishArtifact collects the patterns' matches from workspace and
	// archives them under the job id, returning the archived paths
	// relative to the workspace. A job publishes at most once.
	PublishArtifact(jobID, workspace string, patterns []string) ([]string, error)

	// RetrieveArtifact unpacks the job's published set into dest and
	// returns the contained paths relative to dest.
	RetrieveArtifact(jobID, dest string) ([]string, error)
}

// FileArtifactsManager keeps published sets as .tar.gzip archives in a
// local directory, indexed by job id.
type FileArtifactsManager struct {
	artifactStore store.Store
	artifactsDir  string
}

// NewFileArtifactsManager clears artifactsDir and returns an empty manager.
func NewFileArtifactsManager(artifactsDir string) (*FileArtifactsManager, error) {
	if err := utils.EnsureCleanDir(artifactsDir); err != nil {
		return nil, fmt.Errorf("could not prepare %s directory: %w", artifactsDir, err)
	}
	return &FileArtifactsManager{
		artifactStore: store.NewMemStore(),
		artifactsDir:  artifactsDir,
	}, nil
}

func (f *FileArtifactsManager) PublishArtifact(jobID, workspace string, patterns []string) ([]string, error) {
	matches, err := utils.MatchPatterns(workspace, patterns)
	if err != nil {
		return nil, fmt.Errorf("could not resolve artifact patterns for %s: %w", jobID, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no artifacts matched %v for %s", patterns, jobID)
	}

	if err := f.artifactStore.Set(jobID, matches); err != nil {
		return nil, fmt.Errorf("could not index artifacts for %s: %w", jobID, err)
	}
	if err := utils.CompressFiles(workspace, matches, f.archivePath(jobID)); err != nil {
		f.artifactStore.Delete(jobID)
		return nil, fmt.Errorf("could not archive artifacts for %s: %w", jobID, err)
	}
	return matches, nil
}

func (f *FileArtifactsManager) RetrieveArtifact(jobID, dest string) ([]string, error) {
	manifest, err := f.artifactStore.Get(jobID)
	if err != nil {
		return nil, fmt.Errorf("no artifacts published for %s: %w", jobID, err)
	}
	if err := utils.Decompress(f.archivePath(jobID), dest); err != nil {
		return nil, fmt.Errorf("could not unpack artifacts for %s: %w", jobID, err)
	}
	return manifest.([]string), nil
}

// Published reports whether a job has an artifact set stored.
func (f *FileArtifactsManager) Published(jobID string) bool {
	_, err := f.artifactStore.Get(jobID)
	return err == nil
}

func (f *FileArtifactsManager) archivePath(jobID string) string {
	return filepath.Join(f.artifactsDir, slug.Make(jobID)+".tar.gzip")
}
