package workspace

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/specguard/specguard/pkg/config"
	"github.com/specguard/specguard/pkg/models"
)

const (
	configFileName = "analysis.yaml"
	logFileName    = "docker.log"
)

// Manager creates and tears down per-job directory trees. Every job owns an
// exclusively-named subtree keyed by its id, so concurrent jobs never share
// mutable filesystem state.
type Manager struct {
	settings *config.Settings
}

func NewManager(settings *config.Settings) *Manager {
	return &Manager{settings: settings}
}

// Stage idempotently creates the workspace/output/config directories for a
// job and, when a seed template is configured, merges it into the workspace
// (directories merged, files overwritten).
func (m *Manager) Stage(jobID string) (*models.JobPaths, error) {
	paths := &models.JobPaths{
		WorkspaceDir: filepath.Join(m.settings.WorkspaceRoot, jobID),
		OutputDir:    filepath.Join(m.settings.OutputRoot, jobID),
		ConfigDir:    filepath.Join(m.settings.ConfigRoot, jobID),
	}
	paths.ConfigFile = filepath.Join(paths.ConfigDir, configFileName)
	paths.LogFile = filepath.Join(paths.OutputDir, logFileName)

	for _, dir := range []string{paths.WorkspaceDir, paths.OutputDir, paths.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapError(err, "creating job directory %s", dir)
		}
	}

	if m.settings.SeedTemplateDir != "" {
		if err := mergeTree(m.settings.SeedTemplateDir, paths.WorkspaceDir); err != nil {
			return nil, WrapError(err, "seeding workspace from template %s", m.settings.SeedTemplateDir)
		}
	}
	return paths, nil
}

// WriteStream persists an uploaded byte stream, creating parent directories
// as needed.
func (m *Manager) WriteStream(destPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return WrapError(err, "creating parent directory for %s", destPath)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return WrapError(err, "creating %s", destPath)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return WrapError(err, "writing %s", destPath)
	}
	return nil
}

// Cleanup removes a job's directories unless workspace retention is
// configured. Failures are logged and swallowed so teardown never masks the
// job's primary result or error.
func (m *Manager) Cleanup(paths *models.JobPaths) {
	if paths == nil || m.settings.KeepWorkspace {
		return
	}
	for _, dir := range []string{paths.WorkspaceDir, paths.OutputDir, paths.ConfigDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to remove job directory")
		}
	}
}

// mergeTree copies src into dst, merging directories and overwriting files.
func mergeTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
