//go:build unit || !integration

package registry

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/specguard/specguard/pkg/logger"
	"github.com/specguard/specguard/pkg/models"
)

type RegistrySuite struct {
	suite.Suite
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.registry = New()
}

func (s *RegistrySuite) TestCreateJobStartsQueued() {
	id := s.registry.CreateJob()
	s.NotEmpty(id)

	job, ok := s.registry.Snapshot(id)
	s.Require().True(ok)
	s.Equal(models.JobStatusQueued, job.Status)
	s.Require().Len(job.Events, 1)
	s.Equal("queued", job.Events[0].Stage)
}

func (s *RegistrySuite) TestJobsAreIsolated() {
	a := s.registry.CreateJob()
	b := s.registry.CreateJob()
	s.NotEqual(a, b)

	s.registry.Fail(a, "boom", nil)

	jobB, ok := s.registry.Snapshot(b)
	s.Require().True(ok)
	s.Equal(models.JobStatusQueued, jobB.Status)
}

func (s *RegistrySuite) TestEventsPreserveOrder() {
	id := s.registry.CreateJob()
	s.registry.MarkRunning(id)
	s.registry.AppendEvent(id, "staging", "preparing job workspace")
	s.registry.AppendEvent(id, "building", "running builder container")

	job, ok := s.registry.Snapshot(id)
	s.Require().True(ok)
	s.Require().Len(job.Events, 4)
	s.Equal("queued", job.Events[0].Stage)
	s.Equal("running", job.Events[1].Stage)
	s.Equal("staging", job.Events[2].Stage)
	s.Equal("building", job.Events[3].Stage)

	last := job.Events[len(job.Events)-1]
	s.Equal(job.Stage, last.Stage)
	s.Equal(job.Message, last.Message)
}

func (s *RegistrySuite) TestCompleteIsTerminal() {
	id := s.registry.CreateJob()
	result := &models.ResultEnvelope{JobID: id, Protocol: "TLS"}

	s.registry.Complete(id, result)

	job, ok := s.registry.Snapshot(id)
	s.Require().True(ok)
	s.Equal(models.JobStatusCompleted, job.Status)
	s.True(job.Status.IsTerminal())
	s.Require().NotNil(job.Result)
	s.Equal("TLS", job.Result.Protocol)
	s.Require().NotNil(job.CompletedAt)
}

func (s *RegistrySuite) TestFailCarriesDetails() {
	id := s.registry.CreateJob()

	s.registry.Fail(id, "container exited with status 2", map[string]interface{}{
		"image":     "specguard/builder:latest",
		"exit_code": int64(2),
	})

	job, ok := s.registry.Snapshot(id)
	s.Require().True(ok)
	s.Equal(models.JobStatusFailed, job.Status)
	s.Equal("container exited with status 2", job.Error)
	s.Equal("specguard/builder:latest", job.Details["image"])
	s.Nil(job.Result)
}

func (s *RegistrySuite) TestSnapshotIsDeepCopy() {
	id := s.registry.CreateJob()
	before, ok := s.registry.Snapshot(id)
	s.Require().True(ok)

	s.registry.AppendEvent(id, "staging", "preparing job workspace")

	s.Len(before.Events, 1)
	after, _ := s.registry.Snapshot(id)
	s.Len(after.Events, 2)
}

func (s *RegistrySuite) TestSnapshotUnknownJob() {
	_, ok := s.registry.Snapshot("no-such-job")
	s.False(ok)
}

func (s *RegistrySuite) TestProgressClosureIsBound() {
	a := s.registry.CreateJob()
	b := s.registry.CreateJob()

	progress := s.registry.Progress(a)
	progress("extracting", "extracting code archive")

	jobA, _ := s.registry.Snapshot(a)
	jobB, _ := s.registry.Snapshot(b)
	s.Equal("extracting", jobA.Stage)
	s.NotEqual("extracting", jobB.Stage)
}
