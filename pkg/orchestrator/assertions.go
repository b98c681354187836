package orchestrator

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/models"
	"github.com/specguard/specguard/pkg/workspace"
)

const (
	assertionsDirName     = "assertions"
	buildInstructionsName = "BUILD_INSTRUCTIONS.txt"
	notesName             = "NOTES.txt"
)

// RunAssertions executes the assertion-generation workflow synchronously:
// stage, persist the code archive and prior result database, extract, run
// the analysis container with the assertion command, locate and package the
// generated output, record provenance in the history store.
func (o *Orchestrator) RunAssertions(ctx context.Context, jobID string, req AssertionRequest, progress models.ProgressFunc) (envelope *models.ResultEnvelope, logs []string, err error) {
	started := time.Now()
	protocol := o.protocol(req.Protocol)
	version := o.version(req.Version)

	if !o.engine.IsAvailable(ctx) {
		return nil, nil, docker.NewNotAvailableError(nil, "container engine unreachable")
	}

	progress("staging", "preparing job workspace")
	paths, err := o.workspaces.Stage(jobID)
	if err != nil {
		return nil, nil, err
	}
	defer o.workspaces.Cleanup(paths)

	capture := func(line string) {
		logs = append(logs, line)
		progress("docker", line)
	}

	progress("uploading", "persisting uploaded files")
	codePath := filepath.Join(paths.WorkspaceDir, req.CodeFilename)
	if err := o.persistUpload(codePath, req.CodeArchive, "code archive"); err != nil {
		return nil, nil, err
	}
	dbPath := filepath.Join(paths.WorkspaceDir, req.DatabaseFilename)
	if err := o.persistUpload(dbPath, req.Database, "result database"); err != nil {
		return nil, nil, err
	}

	progress("extracting", "extracting code archive")
	projectDir := filepath.Join(paths.WorkspaceDir, projectSubdir)
	if err := o.workspaces.ExtractArchive(codePath, projectDir); err != nil {
		return nil, nil, err
	}
	if err := requireNonEmptyDir(projectDir, "extracted project"); err != nil {
		return nil, nil, err
	}

	if req.BuildInstructions != "" {
		instructions := filepath.Join(paths.WorkspaceDir, buildInstructionsName)
		if err := o.workspaces.WriteStream(instructions, strings.NewReader(req.BuildInstructions)); err != nil {
			return nil, nil, err
		}
	}
	if req.Notes != "" {
		notes := filepath.Join(paths.WorkspaceDir, notesName)
		if err := o.workspaces.WriteStream(notes, strings.NewReader(req.Notes)); err != nil {
			return nil, nil, err
		}
	}

	progress("generating", "running assertion container")
	containerLogs, err := o.engine.RunContainer(ctx, docker.RunSpec{
		Image:     o.settings.AnalysisImage,
		Command:   o.settings.AssertCommand,
		Workspace: paths.WorkspaceDir,
		Output:    paths.OutputDir,
		Env:       docker.AllowedEnv(o.settings.EnvAllowList),
		Network:   o.settings.NetworkName,
		LogPath:   paths.LogFile,
		Timeout:   o.settings.AnalysisTimeout(),
		Sink:      capture,
	})
	if err != nil {
		return nil, logs, err
	}

	progress("packaging", "packaging generated assertions")
	assertionsDir := findDirNamed(paths.WorkspaceDir, assertionsDirName)
	if assertionsDir == "" {
		return nil, logs, docker.NewPostConditionError(containerLogs,
			"assertion run produced no %q directory under the workspace", assertionsDirName)
	}
	fileCount, err := countFiles(assertionsDir)
	if err != nil {
		return nil, logs, err
	}

	zipPath := filepath.Join(paths.OutputDir, fmt.Sprintf("%s-assertions.zip", jobID))
	if err := zipDirectory(assertionsDir, zipPath); err != nil {
		return nil, logs, workspace.WrapError(err, "packaging %s", assertionsDir)
	}

	if o.history != nil {
		entry := models.HistoryEntry{
			JobID:            jobID,
			CodeFilename:     req.CodeFilename,
			DatabaseFilename: req.DatabaseFilename,
			Source:           "assertion",
		}
		if err := o.history.SaveEntry(ctx, entry, zipPath); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("job", jobID).Msg("failed to record assertion history")
		}
	}

	log.Ctx(ctx).Info().Str("job", jobID).Int("files", fileCount).Msg("assertion generation completed")

	envelope = &models.ResultEnvelope{
		JobID:    jobID,
		Protocol: protocol,
		Version:  version,
		CodeFile: req.CodeFilename,
		Artifacts: models.ArtifactPaths{
			Workspace: paths.WorkspaceDir,
			Output:    paths.OutputDir,
			Log:       paths.LogFile,
			Zip:       zipPath,
			Database:  dbPath,
		},
		Duration: time.Since(started),
		Assertions: &models.AssertionResult{
			FileCount:    fileCount,
			DiffZip:      zipPath,
			DatabaseFile: req.DatabaseFilename,
		},
	}
	return envelope, logs, nil
}

// findDirNamed returns the first directory called name anywhere under root,
// or the empty string.
func findDirNamed(root, name string) string {
	var found string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck // walk errors end the search
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}

// zipDirectory packages dir into a zip archive at zipPath, with member
// names relative to dir.
func zipDirectory(dir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
}
