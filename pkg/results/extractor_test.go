//go:build unit || !integration

package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/logger"
	"github.com/specguard/specguard/pkg/models"
)

type ExtractorSuite struct {
	suite.Suite
	paths *models.JobPaths
}

func TestExtractorSuite(t *testing.T) {
	suite.Run(t, new(ExtractorSuite))
}

func (s *ExtractorSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	s.paths = &models.JobPaths{
		WorkspaceDir: s.T().TempDir(),
		OutputDir:    s.T().TempDir(),
	}
}

func (s *ExtractorSuite) writeStore(root, name string, rows []ruleResponse) string {
	dir := filepath.Join(root, "results")
	s.Require().NoError(os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&ruleResponse{}))
	if len(rows) > 0 {
		s.Require().NoError(db.Create(&rows).Error)
	}
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	s.Require().NoError(sqlDB.Close())
	return path
}

func (s *ExtractorSuite) TestClassifyResult() {
	tests := []struct {
		name   string
		result string
		expect models.Compliance
	}{
		{name: "explicit no violation", result: "No violation found", expect: models.Compliant},
		{name: "explicit violation", result: "Violation of section 4.1", expect: models.NonCompliant},
		{name: "case insensitive", result: "VIOLATION", expect: models.NonCompliant},
		{name: "unknown vocabulary", result: "cannot determine", expect: models.NeedsReview},
		{name: "empty", result: "", expect: models.NeedsReview},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.expect, classifyResult(tt.result))
		})
	}
}

func (s *ExtractorSuite) TestCollectClassifiesRows() {
	s.writeStore(s.paths.OutputDir, "results.db", []ruleResponse{
		{ID: 1, Rule: "close_notify before close", Response: `{"result":"no violation","reason":"alert sent","confidence":0.8}`},
		{ID: 2, Rule: "reject legacy versions", Response: `{"result":"violation","reason":"accepts SSLv3"}`},
		{ID: 3, Rule: "validate key shares", Response: `not json at all`},
	})

	extraction, err := Collect(s.paths, "results", "TLS", "1.3", nil)
	s.Require().NoError(err)
	s.Require().Len(extraction.Verdicts, 3)

	s.Equal(models.Compliant, extraction.Verdicts[0].Compliance)
	s.Equal(0.8, extraction.Verdicts[0].Confidence)
	s.Equal("alert sent", extraction.Verdicts[0].Explanation)
	s.Equal("1", extraction.Verdicts[0].Rule.ID)
	s.Equal("close_notify before close", extraction.Verdicts[0].Rule.Requirement)
	s.Equal("TLS", extraction.Verdicts[0].Rule.Source)

	s.Equal(models.NonCompliant, extraction.Verdicts[1].Compliance)
	s.Equal(0.9, extraction.Verdicts[1].Confidence)
	s.Equal("protocol_compliance", extraction.Verdicts[1].Category)

	s.Equal(models.NeedsReview, extraction.Verdicts[2].Compliance)
	s.Equal(0.5, extraction.Verdicts[2].Confidence)
	s.Equal("not json at all", extraction.Verdicts[2].Explanation)

	s.Equal(3, extraction.Summary.Total)
	s.Equal(1, extraction.Summary.Compliant)
	s.Equal(1, extraction.Summary.NonCompliant)
	s.Equal(1, extraction.Summary.NeedsReview)
	s.Equal(models.NonCompliant, extraction.Summary.Overall)
}

func (s *ExtractorSuite) TestCollectFansOutViolations() {
	s.writeStore(s.paths.OutputDir, "results.db", []ruleResponse{
		{ID: 7, Rule: "no early data before finished", Response: `{
			"result": "violation",
			"reason": "early data accepted twice",
			"violations": [
				{"code_lines": [10, 12], "filename": "handshake.c", "function_name": "read_early_data"},
				{"code_lines": [80], "filename": "record.c", "function_name": "process_record"}
			]
		}`},
	})

	extraction, err := Collect(s.paths, "results", "TLS", "1.3", nil)
	s.Require().NoError(err)
	s.Require().Len(extraction.Verdicts, 2)

	s.NotEqual(extraction.Verdicts[0].ID, extraction.Verdicts[1].ID)
	s.Equal("handshake.c", extraction.Verdicts[0].File)
	s.Equal("read_early_data", extraction.Verdicts[0].Function)
	s.Equal([]int{10, 12}, extraction.Verdicts[0].LineRange)
	s.Equal("record.c", extraction.Verdicts[1].File)
	for _, v := range extraction.Verdicts {
		s.Equal(models.NonCompliant, v.Compliance)
		s.Equal("7", v.Rule.ID)
	}
	s.Equal(2, extraction.Summary.Total)
}

func (s *ExtractorSuite) TestCollectFailsWithoutStore() {
	_, err := Collect(s.paths, "results", "TLS", "1.3", []string{"analyzer crashed"})
	s.Require().Error(err)
	ee, ok := docker.AsExecutionError(err)
	s.Require().True(ok)
	s.Contains(ee.LogTail, "analyzer crashed")
}

func (s *ExtractorSuite) TestCollectFailsOnEmptyStore() {
	s.writeStore(s.paths.OutputDir, "results.db", nil)

	_, err := Collect(s.paths, "results", "TLS", "1.3", nil)
	s.Require().Error(err)
	_, ok := docker.AsExecutionError(err)
	s.True(ok)
}

func (s *ExtractorSuite) TestLocateStorePrefersOutput() {
	workspaceStore := s.writeStore(s.paths.WorkspaceDir, "results.sqlite", nil)
	outputStore := s.writeStore(s.paths.OutputDir, "results.db", nil)

	s.Equal(outputStore, LocateStore(s.paths, "results"))

	s.Require().NoError(os.Remove(outputStore))
	s.Equal(workspaceStore, LocateStore(s.paths, "results"))
}

func (s *ExtractorSuite) TestLocateStoreIgnoresOtherFiles() {
	dir := filepath.Join(s.paths.OutputDir, "results")
	s.Require().NoError(os.MkdirAll(dir, 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	s.Equal("", LocateStore(s.paths, "results"))
}
