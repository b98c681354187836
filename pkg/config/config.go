package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	environmentVariablePrefix = "SPECGUARD"

	// the one credential forwarded into analysis containers by default
	defaultAllowedEnvVar = "OPENAI_API_KEY"
)

var environmentVariableReplace = strings.NewReplacer(".", "_")

// ArtifactLayout holds the relative paths, inside a job workspace, of every
// artifact the builder and analysis containers produce or consume. Each path
// is overridable independently through the configuration surface.
type ArtifactLayout struct {
	Bitcode         string `mapstructure:"bitcode"`
	BuildLog        string `mapstructure:"build_log"`
	CallGraph       string `mapstructure:"call_graph"`
	FunctionSummary string `mapstructure:"function_summary"`
	RuleFile        string `mapstructure:"rule_file"`
	ResultDir       string `mapstructure:"result_dir"`
	OriginalIR      string `mapstructure:"original_ir"`
	Binary          string `mapstructure:"binary"`
}

// Settings is the immutable process-wide runtime configuration. It is
// resolved exactly once at startup and passed by reference into every
// component constructor; components never consult the environment again.
type Settings struct {
	BuilderImage    string   `mapstructure:"builder_image"`
	AnalysisImage   string   `mapstructure:"analysis_image"`
	BuilderCommand  []string `mapstructure:"builder_command"`
	AnalysisCommand []string `mapstructure:"analysis_command"`
	AssertCommand   []string `mapstructure:"assert_command"`

	WorkspaceRoot   string `mapstructure:"workspace_root"`
	OutputRoot      string `mapstructure:"output_root"`
	ConfigRoot      string `mapstructure:"config_root"`
	SeedTemplateDir string `mapstructure:"seed_template_dir"`

	EnvAllowList []string       `mapstructure:"env_allow_list"`
	Artifacts    ArtifactLayout `mapstructure:"artifacts"`

	KeepImages    bool `mapstructure:"keep_images"`
	KeepWorkspace bool `mapstructure:"keep_workspace"`

	AnalysisTimeoutSeconds int    `mapstructure:"analysis_timeout_seconds"`
	NetworkName            string `mapstructure:"network_name"`

	DefaultProtocol string `mapstructure:"default_protocol"`
	DefaultVersion  string `mapstructure:"default_version"`

	Model         string `mapstructure:"model"`
	ModelAttempts int    `mapstructure:"model_attempts"`
	ModelRepeats  int    `mapstructure:"model_repeats"`

	Debug bool `mapstructure:"debug"`
}

// AnalysisTimeout returns the configured analysis timeout, or zero when no
// bound is configured.
func (s *Settings) AnalysisTimeout() time.Duration {
	return time.Duration(s.AnalysisTimeoutSeconds) * time.Second
}

func defaultSettings() Settings {
	return Settings{
		BuilderImage:    "specguard/builder:latest",
		AnalysisImage:   "specguard/analyzer:latest",
		BuilderCommand:  []string{"/bin/sh", "-c", "cd /workspace/project && make"},
		AnalysisCommand: []string{"analyzer", "--config", "/config/analysis.yaml"},
		AssertCommand:   []string{"analyzer", "assert", "--workspace", "/workspace"},
		WorkspaceRoot:   filepath.Join("/tmp", "specguard", "workspaces"),
		OutputRoot:      filepath.Join("/tmp", "specguard", "outputs"),
		ConfigRoot:      filepath.Join("/tmp", "specguard", "configs"),
		EnvAllowList:    []string{defaultAllowedEnvVar},
		Artifacts: ArtifactLayout{
			Bitcode:         filepath.Join("project", "out.bc"),
			BuildLog:        "build.log",
			CallGraph:       "callgraph.json",
			FunctionSummary: "functions.json",
			RuleFile:        "rules.json",
			ResultDir:       "results",
			OriginalIR:      filepath.Join("project", "out.ll"),
			Binary:          filepath.Join("project", "app"),
		},
		AnalysisTimeoutSeconds: 3600,
		DefaultProtocol:        "TLS",
		DefaultVersion:         "1.3",
		Model:                  "gpt-4o",
		ModelAttempts:          3,
		ModelRepeats:           1,
	}
}

// Load resolves Settings from the environment (SPECGUARD_* variables) on top
// of the built-in defaults. The returned value is never mutated afterwards.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(environmentVariablePrefix)
	v.SetEnvKeyReplacer(environmentVariableReplace)
	v.AutomaticEnv()

	defaults := defaultSettings()
	var asMap map[string]interface{}
	if err := mapstructure.Decode(defaults, &asMap); err != nil {
		return nil, fmt.Errorf("decoding default configuration: %w", err)
	}
	for key, value := range asMap {
		v.SetDefault(key, value)
	}

	var out Settings
	if err := v.Unmarshal(&out, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate rejects settings no job could run under.
func (s *Settings) Validate() error {
	if s.AnalysisImage == "" {
		return fmt.Errorf("analysis image must be configured")
	}
	if s.WorkspaceRoot == "" || s.OutputRoot == "" || s.ConfigRoot == "" {
		return fmt.Errorf("workspace, output and config roots must all be configured")
	}
	if s.AnalysisTimeoutSeconds < 0 {
		return fmt.Errorf("analysis timeout must not be negative")
	}
	return nil
}
