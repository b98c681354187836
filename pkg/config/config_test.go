//go:build unit || !integration

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load()
	require.NoError(t, err)

	require.Equal(t, "specguard/analyzer:latest", settings.AnalysisImage)
	require.Equal(t, "TLS", settings.DefaultProtocol)
	require.Equal(t, "1.3", settings.DefaultVersion)
	require.Equal(t, []string{"OPENAI_API_KEY"}, settings.EnvAllowList)
	require.Equal(t, time.Hour, settings.AnalysisTimeout())
	require.False(t, settings.KeepWorkspace)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SPECGUARD_ANALYSIS_IMAGE", "registry.local/analyzer:v2")
	t.Setenv("SPECGUARD_MODEL", "gpt-5")
	t.Setenv("SPECGUARD_KEEP_WORKSPACE", "true")
	t.Setenv("SPECGUARD_ENV_ALLOW_LIST", "OPENAI_API_KEY,HTTPS_PROXY")
	t.Setenv("SPECGUARD_ANALYSIS_TIMEOUT_SECONDS", "120")

	settings, err := Load()
	require.NoError(t, err)

	require.Equal(t, "registry.local/analyzer:v2", settings.AnalysisImage)
	require.Equal(t, "gpt-5", settings.Model)
	require.True(t, settings.KeepWorkspace)
	require.Equal(t, []string{"OPENAI_API_KEY", "HTTPS_PROXY"}, settings.EnvAllowList)
	require.Equal(t, 2*time.Minute, settings.AnalysisTimeout())

	// untouched keys keep their defaults
	require.Equal(t, "specguard/builder:latest", settings.BuilderImage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(s *Settings) {}},
		{name: "missing analysis image", mutate: func(s *Settings) { s.AnalysisImage = "" }, wantErr: true},
		{name: "missing workspace root", mutate: func(s *Settings) { s.WorkspaceRoot = "" }, wantErr: true},
		{name: "negative timeout", mutate: func(s *Settings) { s.AnalysisTimeoutSeconds = -1 }, wantErr: true},
		{name: "zero timeout means unbounded", mutate: func(s *Settings) { s.AnalysisTimeoutSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := defaultSettings()
			tt.mutate(&settings)
			err := settings.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
