package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/models"
)

// ruleResponse is one row of the fixed table the in-container analyzer
// writes: a rule description plus the raw response text evaluated for it.
type ruleResponse struct {
	ID       int    `gorm:"column:id;primaryKey"`
	Rule     string `gorm:"column:rule"`
	Response string `gorm:"column:response"`
}

func (ruleResponse) TableName() string { return "rule_responses" }

// responsePayload is the structured shape of a raw response, when it parses.
// The vocabulary of the result field is an external, evolving contract; only
// the "violation" / "no violation" substrings are relied upon.
type responsePayload struct {
	Result     string      `json:"result"`
	Reason     string      `json:"reason"`
	Category   string      `json:"category"`
	Confidence float64     `json:"confidence"`
	Violations []violation `json:"violations"`
}

type violation struct {
	CodeLines    []int  `json:"code_lines"`
	Filename     string `json:"filename"`
	FunctionName string `json:"function_name"`
}

// Extraction is the classified outcome of one analysis run.
type Extraction struct {
	Verdicts  []models.Verdict
	Summary   models.Summary
	StorePath string
}

const defaultCategory = "protocol_compliance"

var storeExtensions = []string{".db", ".sqlite", ".sqlite3"}

// LocateStore finds the result store under the output tree first, then the
// workspace tree. The empty string means no store was produced.
func LocateStore(paths *models.JobPaths, resultDirRel string) string {
	for _, root := range []string{paths.OutputDir, paths.WorkspaceDir} {
		dir := filepath.Join(root, resultDirRel)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if lo.Contains(storeExtensions, filepath.Ext(entry.Name())) {
				return filepath.Join(dir, entry.Name())
			}
		}
	}
	return ""
}

// Collect locates the result store, reads every rule/response row,
// classifies each into a three-state outcome and assembles verdicts with
// aggregate counts. A run yielding zero verdicts in total fails with an
// execution error: a clean run that evaluated no rules is a defect, not an
// empty success.
func Collect(paths *models.JobPaths, resultDirRel, protocol, version string, dockerLogs []string) (*Extraction, error) {
	storePath := LocateStore(paths, resultDirRel)
	if storePath == "" {
		return nil, docker.NewPostConditionError(dockerLogs,
			"analysis produced no result store under %s or %s", paths.OutputDir, paths.WorkspaceDir)
	}

	rows, err := readRows(storePath)
	if err != nil {
		return nil, err
	}

	var verdicts []models.Verdict
	for _, row := range rows {
		verdicts = append(verdicts, classifyRow(row, protocol)...)
	}
	if len(verdicts) == 0 {
		return nil, docker.NewPostConditionError(dockerLogs,
			"result store %s holds no evaluated rules", storePath)
	}

	log.Debug().Str("store", storePath).Int("rows", len(rows)).Int("verdicts", len(verdicts)).
		Str("protocol", protocol).Str("version", version).Msg("collected results")

	return &Extraction{
		Verdicts:  verdicts,
		Summary:   models.NewSummary(verdicts),
		StorePath: storePath,
	}, nil
}

func readRows(storePath string) ([]ruleResponse, error) {
	db, err := gorm.Open(sqlite.Open(storePath), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
	}()

	var rows []ruleResponse
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// classifyRow turns one rule/response row into its verdicts: one per
// discrete violation when the payload carries a non-empty list, exactly one
// for the row otherwise.
func classifyRow(row ruleResponse, protocol string) []models.Verdict {
	var payload responsePayload
	parsed := json.Unmarshal([]byte(row.Response), &payload) == nil

	outcome := classifyResult(payload.Result)
	if !parsed {
		outcome = models.NeedsReview
	}

	explanation := payload.Reason
	if explanation == "" {
		explanation = strings.TrimSpace(row.Response)
	}

	base := models.Verdict{
		Category:    payload.Category,
		Compliance:  outcome,
		Confidence:  payload.Confidence,
		Explanation: explanation,
		Rule: models.RelatedRule{
			ID:          strconv.Itoa(row.ID),
			Requirement: row.Rule,
			Source:      protocol,
		},
	}
	if base.Category == "" {
		base.Category = defaultCategory
	}
	if base.Confidence == 0 {
		base.Confidence = defaultConfidence(outcome)
	}

	if len(payload.Violations) == 0 {
		base.ID = uuid.NewString()
		return []models.Verdict{base}
	}
	return lo.Map(payload.Violations, func(v violation, _ int) models.Verdict {
		verdict := base
		verdict.ID = uuid.NewString()
		verdict.LineRange = v.CodeLines
		verdict.File = v.Filename
		verdict.Function = v.FunctionName
		return verdict
	})
}

// classifyResult applies the three-way substring fallback. "no violation"
// must win before the bare "violation" check since it contains it.
func classifyResult(result string) models.Compliance {
	lowered := strings.ToLower(result)
	switch {
	case strings.Contains(lowered, "no violation"):
		return models.Compliant
	case strings.Contains(lowered, "violation"):
		return models.NonCompliant
	default:
		return models.NeedsReview
	}
}

func defaultConfidence(outcome models.Compliance) float64 {
	if outcome == models.NeedsReview {
		return 0.5
	}
	return 0.9
}
