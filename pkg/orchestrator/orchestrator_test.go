//go:build unit || !integration

package orchestrator_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/specguard/specguard/pkg/config"
	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/logger"
	"github.com/specguard/specguard/pkg/models"
	"github.com/specguard/specguard/pkg/orchestrator"
	"github.com/specguard/specguard/pkg/registry"
	"github.com/specguard/specguard/pkg/store"
	"github.com/specguard/specguard/pkg/workspace"
)

// fakeEngine satisfies orchestrator.Engine and lets each test script what a
// container run leaves behind on the mounted directories.
type fakeEngine struct {
	mu        sync.Mutex
	available bool
	runs      []docker.RunSpec
	built     []string
	removed   []string
	onRun     func(spec docker.RunSpec) ([]string, error)
}

func (f *fakeEngine) IsAvailable(ctx context.Context) bool { return f.available }

func (f *fakeEngine) RunContainer(ctx context.Context, spec docker.RunSpec) ([]string, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	f.mu.Unlock()
	if f.onRun != nil {
		return f.onRun(spec)
	}
	return nil, nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, contextDir, dockerfilePath, tag, proxy string, sink docker.LogSink) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, tag)
	return "sha256:feedface", nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tag)
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type OrchestratorSuite struct {
	suite.Suite
	ctx      context.Context
	settings *config.Settings
	engine   *fakeEngine
	state    *store.StateStore
	orch     *orchestrator.Orchestrator
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.ctx = context.Background()

	s.settings = &config.Settings{
		BuilderImage:    "specguard/builder:latest",
		AnalysisImage:   "specguard/analyzer:latest",
		BuilderCommand:  []string{"make"},
		AnalysisCommand: []string{"analyzer"},
		AssertCommand:   []string{"analyzer", "assert"},
		WorkspaceRoot:   s.T().TempDir(),
		OutputRoot:      s.T().TempDir(),
		ConfigRoot:      s.T().TempDir(),
		DefaultProtocol: "TLS",
		DefaultVersion:  "1.3",
		Model:           "gpt-4o",
		KeepWorkspace:   true,
		Artifacts: config.ArtifactLayout{
			Bitcode:   filepath.Join("project", "out.bc"),
			BuildLog:  "build.log",
			RuleFile:  "rules.json",
			ResultDir: "results",
		},
	}
	s.engine = &fakeEngine{available: true}

	state, err := store.NewStateStore(store.WithPath(filepath.Join(s.T().TempDir(), "state.db")))
	s.Require().NoError(err)
	s.state = state

	history, err := store.NewHistoryStore(s.T().TempDir(),
		store.WithPath(filepath.Join(s.T().TempDir(), "history.db")))
	s.Require().NoError(err)

	s.orch = orchestrator.New(
		s.settings,
		workspace.NewManager(s.settings),
		s.engine,
		registry.New(),
		state,
		history,
	)
}

func (s *OrchestratorSuite) TearDownTest() {
	s.Require().NoError(s.state.Close())
}

// codeArchive builds a small tar.gz with one source file, plus any extra
// members the test needs.
func (s *OrchestratorSuite) codeArchive(extraNames ...string) *bytes.Buffer {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	write := func(name, body string) {
		s.Require().NoError(tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		s.Require().NoError(err)
	}
	write("main.c", "int main() {}")
	for _, name := range extraNames {
		write(name, "x")
	}
	s.Require().NoError(tw.Close())
	s.Require().NoError(gzw.Close())
	return &buf
}

// scriptBuilder makes the fake builder run deposit the expected artifacts.
func (s *OrchestratorSuite) scriptBuilder(spec docker.RunSpec) {
	s.Require().NoError(os.MkdirAll(filepath.Join(spec.Workspace, "project"), 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(spec.Workspace, "project", "out.bc"), []byte("BC"), 0o644))
	s.Require().NoError(os.WriteFile(filepath.Join(spec.Workspace, "build.log"), []byte("done"), 0o644))
}

// ruleResponse mirrors the fixed table shape the in-container analyzer
// writes.
type ruleResponse struct {
	ID       int    `gorm:"column:id;primaryKey"`
	Rule     string `gorm:"column:rule"`
	Response string `gorm:"column:response"`
}

func (ruleResponse) TableName() string { return "rule_responses" }

// scriptAnalyzer makes the fake analysis run write a result store.
func (s *OrchestratorSuite) scriptAnalyzer(spec docker.RunSpec, responses []string) {
	dir := filepath.Join(spec.Output, "results")
	s.Require().NoError(os.MkdirAll(dir, 0o755))

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "results.db")), &gorm.Config{Logger: gormlogger.Discard})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&ruleResponse{}))
	for i, response := range responses {
		s.Require().NoError(db.Create(&ruleResponse{
			ID: i + 1, Rule: "rule", Response: response,
		}).Error)
	}
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	s.Require().NoError(sqlDB.Close())
}

func (s *OrchestratorSuite) waitTerminal(jobID string) models.Job {
	var job models.Job
	s.Require().Eventually(func() bool {
		snapshot, ok := s.orch.Registry().Snapshot(jobID)
		if !ok || !snapshot.Status.IsTerminal() {
			return false
		}
		job = snapshot
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func (s *OrchestratorSuite) TestAnalysisHappyPath() {
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		switch spec.Image {
		case s.settings.BuilderImage:
			s.scriptBuilder(spec)
			return []string{"build ok"}, nil
		case s.settings.AnalysisImage:
			s.scriptAnalyzer(spec, []string{
				`{"result":"no violation","reason":"fine"}`,
				`{"result":"violation","reason":"bad"}`,
			})
			return []string{"analysis ok"}, nil
		}
		return nil, nil
	}

	jobID := models.NewJobID()
	envelope, _, err := s.orch.RunAnalysis(s.ctx, jobID, orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
	}, func(stage, message string) {})
	s.Require().NoError(err)

	s.Equal(jobID, envelope.JobID)
	s.Equal("TLS", envelope.Protocol)
	s.Equal("1.3", envelope.Version)
	s.Equal(2, envelope.Summary.Total)
	s.Equal(models.NonCompliant, envelope.Summary.Overall)
	s.NotEmpty(envelope.Artifacts.ResultDB)

	s.Require().Equal(2, s.engine.runCount())
	s.Equal(s.settings.BuilderImage, s.engine.runs[0].Image)
	s.Equal(s.settings.AnalysisImage, s.engine.runs[1].Image)
	s.NotEmpty(s.engine.runs[1].Config)

	// the generated configuration landed where the analyzer will mount it
	_, statErr := os.Stat(filepath.Join(s.engine.runs[1].Config, "analysis.yaml"))
	s.NoError(statErr)
}

func (s *OrchestratorSuite) TestAnalysisBuildsPerJobImage() {
	dockerfile := bytes.NewReader([]byte("FROM ubuntu:22.04\n"))
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		if spec.Image != s.settings.AnalysisImage {
			s.scriptBuilder(spec)
		} else {
			s.scriptAnalyzer(spec, []string{`{"result":"no violation"}`})
		}
		return nil, nil
	}

	jobID := models.NewJobID()
	_, _, err := s.orch.RunAnalysis(s.ctx, jobID, orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
		Dockerfile:   dockerfile,
	}, func(stage, message string) {})
	s.Require().NoError(err)

	s.Require().Len(s.engine.built, 1)
	s.Equal("specguard-build-"+jobID, s.engine.built[0])
	s.Equal(s.engine.built, s.engine.removed)
	s.Equal(s.engine.built[0], s.engine.runs[0].Image)
}

func (s *OrchestratorSuite) TestAnalysisUsesUploadedConfigDescriptor() {
	descriptor := "project:\n  name: custom\n"
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		if spec.Image == s.settings.BuilderImage {
			s.scriptBuilder(spec)
		} else {
			s.scriptAnalyzer(spec, []string{`{"result":"no violation"}`})
		}
		return nil, nil
	}

	_, _, err := s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeArchive:      s.codeArchive(),
		CodeFilename:     "proj.tar.gz",
		ConfigDescriptor: bytes.NewReader([]byte(descriptor)),
	}, func(stage, message string) {})
	s.Require().NoError(err)

	// the uploaded descriptor replaces the generated document wholesale
	body, readErr := os.ReadFile(filepath.Join(s.engine.runs[1].Config, "analysis.yaml"))
	s.Require().NoError(readErr)
	s.Equal(descriptor, string(body))
}

func (s *OrchestratorSuite) TestEmptyConfigDescriptorRejected() {
	_, _, err := s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeArchive:      s.codeArchive(),
		CodeFilename:     "proj.tar.gz",
		ConfigDescriptor: bytes.NewReader(nil),
	}, func(stage, message string) {})

	s.Require().Error(err)
	s.True(workspace.IsWorkspaceError(err))
	s.Equal(0, s.engine.runCount())
}

func (s *OrchestratorSuite) TestMaliciousArchiveFailsBeforeContainers() {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	body := "root::0:0::/root:/bin/sh"
	s.Require().NoError(tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(body))
	s.Require().NoError(err)
	s.Require().NoError(tw.Close())
	s.Require().NoError(gzw.Close())

	_, _, err = s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeArchive:  &buf,
		CodeFilename: "evil.tar.gz",
	}, func(stage, message string) {})

	s.Require().Error(err)
	s.True(workspace.IsWorkspaceError(err))
	s.Equal(0, s.engine.runCount())
	s.Empty(s.engine.built)
}

func (s *OrchestratorSuite) TestMissingArtifactsStopAnalysis() {
	// builder runs clean but deposits nothing
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		return nil, nil
	}

	_, _, err := s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
	}, func(stage, message string) {})

	s.Require().Error(err)
	s.Contains(err.Error(), "bitcode")
	s.Equal(1, s.engine.runCount())
}

func (s *OrchestratorSuite) TestEngineDownFailsEarly() {
	s.engine.available = false

	_, _, err := s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
	}, func(stage, message string) {})

	s.Require().Error(err)
	s.True(docker.IsNotAvailable(err))
	s.Equal(0, s.engine.runCount())
}

func (s *OrchestratorSuite) TestMissingUploadRejected() {
	_, _, err := s.orch.RunAnalysis(s.ctx, models.NewJobID(), orchestrator.AnalysisRequest{
		CodeFilename: "proj.tar.gz",
	}, func(stage, message string) {})

	s.Require().Error(err)
	s.True(workspace.IsWorkspaceError(err))
	s.Equal(0, s.engine.runCount())
}

func (s *OrchestratorSuite) TestAsyncFailureCarriesContainerContext() {
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		return nil, docker.NewExecutionError(spec.Image, 2, []string{"compiling", "fatal: parse error"})
	}

	jobID := s.orch.StartAnalysisJob(orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
	})

	job := s.waitTerminal(jobID)
	s.Equal(models.JobStatusFailed, job.Status)
	s.Contains(job.Error, "status 2")
	s.Equal(s.settings.BuilderImage, job.Details["image"])
	s.Equal(int64(2), job.Details["exit_code"])
	s.Contains(job.Details["log_excerpt"], "fatal: parse error")

	// the durable record agrees with the registry
	stored, err := s.state.GetJob(s.ctx, jobID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusFailed, stored.Status)
	s.Contains(stored.Error, "status 2")
}

func (s *OrchestratorSuite) TestAsyncCompletionPersisted() {
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		if spec.Image == s.settings.BuilderImage {
			s.scriptBuilder(spec)
		} else {
			s.scriptAnalyzer(spec, []string{`{"result":"no violation"}`})
		}
		return nil, nil
	}

	jobID := s.orch.StartAnalysisJob(orchestrator.AnalysisRequest{
		CodeArchive:  s.codeArchive(),
		CodeFilename: "proj.tar.gz",
	})

	job := s.waitTerminal(jobID)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.Require().NotNil(job.Result)
	s.Equal(models.Compliant, job.Result.Summary.Overall)

	stored, err := s.state.GetJob(s.ctx, jobID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusCompleted, stored.Status)
	s.Require().NotNil(stored.Result)
	s.Equal(1, stored.Result.Summary.Total)
	s.NotEmpty(stored.Events)
}

func (s *OrchestratorSuite) TestAssertionsHappyPath() {
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		dir := filepath.Join(spec.Workspace, "assertions")
		s.Require().NoError(os.MkdirAll(dir, 0o755))
		s.Require().NoError(os.WriteFile(filepath.Join(dir, "handshake.diff"), []byte("+assert"), 0o644))
		s.Require().NoError(os.WriteFile(filepath.Join(dir, "record.diff"), []byte("+assert"), 0o644))
		return []string{"generated 2 files"}, nil
	}

	jobID := models.NewJobID()
	envelope, _, err := s.orch.RunAssertions(s.ctx, jobID, orchestrator.AssertionRequest{
		CodeArchive:      s.codeArchive(),
		CodeFilename:     "proj.tar.gz",
		Database:         bytes.NewReader([]byte("sqlite payload")),
		DatabaseFilename: "results.db",
	}, func(stage, message string) {})
	s.Require().NoError(err)

	s.Require().NotNil(envelope.Assertions)
	s.Equal(2, envelope.Assertions.FileCount)
	_, statErr := os.Stat(envelope.Assertions.DiffZip)
	s.NoError(statErr)

	s.Require().Equal(1, s.engine.runCount())
	s.Equal(s.settings.AssertCommand, s.engine.runs[0].Command)
}

func (s *OrchestratorSuite) TestAssertionsFailWithoutOutputDir() {
	s.engine.onRun = func(spec docker.RunSpec) ([]string, error) {
		return []string{"nothing generated"}, nil
	}

	_, _, err := s.orch.RunAssertions(s.ctx, models.NewJobID(), orchestrator.AssertionRequest{
		CodeArchive:      s.codeArchive(),
		CodeFilename:     "proj.tar.gz",
		Database:         bytes.NewReader([]byte("sqlite payload")),
		DatabaseFilename: "results.db",
	}, func(stage, message string) {})

	s.Require().Error(err)
	ee, ok := docker.AsExecutionError(err)
	s.Require().True(ok)
	s.Contains(ee.LogTail, "nothing generated")
}
