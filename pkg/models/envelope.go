package models

import "time"

// ArtifactPaths point at the host-side files a finished job left behind.
type ArtifactPaths struct {
	Workspace string `json:"workspace,omitempty"`
	Output    string `json:"output,omitempty"`
	Config    string `json:"config,omitempty"`
	Log       string `json:"log,omitempty"`
	ResultDB  string `json:"result_db,omitempty"`
	Zip       string `json:"zip,omitempty"`
	Database  string `json:"database,omitempty"`
}

// ResultEnvelope is the structured outcome of a static-analysis run.
type ResultEnvelope struct {
	JobID     string        `json:"job_id"`
	Protocol  string        `json:"protocol"`
	Version   string        `json:"version"`
	Model     string        `json:"model"`
	CodeFile  string        `json:"code_file"`
	RuleFile  string        `json:"rule_file,omitempty"`
	Summary   Summary       `json:"summary"`
	Verdicts  []Verdict     `json:"verdicts"`
	Artifacts ArtifactPaths `json:"artifacts"`
	Duration  time.Duration `json:"duration"`

	// assertion-generation runs reuse the envelope with the analysis
	// fields zeroed and this section populated instead
	Assertions *AssertionResult `json:"assertions,omitempty"`
}

// AssertionResult describes the packaged instrumented-diff artifact.
type AssertionResult struct {
	FileCount    int    `json:"file_count"`
	DiffZip      string `json:"diff_zip"`
	DatabaseFile string `json:"database_file"`
}

// HistoryEntry records the provenance of one stored diff artifact. One
// entry per job id; re-recording the same id overwrites the entry.
type HistoryEntry struct {
	JobID            string    `json:"job_id"`
	CodeFilename     string    `json:"code_filename"`
	DatabaseFilename string    `json:"database_filename"`
	DiffPath         string    `json:"diff_path,omitempty"`
	DiffFilename     string    `json:"diff_filename,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Source           string    `json:"source"`
}
