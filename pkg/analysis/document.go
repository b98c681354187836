package analysis

import (
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/specguard/specguard/pkg/config"
	"github.com/specguard/specguard/pkg/docker"
)

// Document is the configuration tree handed to the in-container analyzer.
// It is assembled as typed records and serialized to YAML only at the
// boundary, so a missing or renamed field fails at compile time rather than
// inside the container.
type Document struct {
	Project     ProjectSection     `yaml:"project"`
	ResultStore ResultStoreSection `yaml:"result_store"`
	Report      ReportSection      `yaml:"report"`
	Debug       DebugSection       `yaml:"debug"`
	PacketTypes TaxonomySection    `yaml:"packet_types"`
}

// ProjectSection names the project and every artifact by its in-container
// absolute path.
type ProjectSection struct {
	Name            string `yaml:"name"`
	Protocol        string `yaml:"protocol"`
	Version         string `yaml:"version"`
	Bitcode         string `yaml:"bitcode"`
	Binary          string `yaml:"binary"`
	BuildLog        string `yaml:"build_log"`
	OriginalIR      string `yaml:"original_ir"`
	CallGraph       string `yaml:"call_graph"`
	FunctionSummary string `yaml:"function_summary"`
	RuleFile        string `yaml:"rule_file"`
}

type ResultStoreSection struct {
	Path string `yaml:"path"`
}

type ReportSection struct {
	Format        string `yaml:"format"`
	Model         string `yaml:"model"`
	ModelAttempts int    `yaml:"model_attempts"`
	ModelRepeats  int    `yaml:"model_repeats"`
}

type DebugSection struct {
	Enabled bool `yaml:"enabled"`
}

// TaxonomySection enumerates the packet/message types the analyzer may
// attribute findings to. The per-protocol defaults may be extended but
// never removed.
type TaxonomySection struct {
	Protocol string   `yaml:"protocol"`
	Types    []string `yaml:"types"`
}

var defaultPacketTypes = map[string][]string{
	"TLS": {
		"client_hello", "server_hello", "encrypted_extensions", "certificate",
		"certificate_verify", "finished", "new_session_ticket", "alert",
		"application_data",
	},
	"QUIC": {
		"initial", "handshake", "zero_rtt", "one_rtt", "retry",
		"version_negotiation",
	},
	"DTLS": {
		"client_hello", "hello_verify_request", "server_hello", "certificate",
		"finished", "alert", "application_data",
	},
}

// PacketTypesFor returns the fixed default enumeration for a protocol,
// extended (never shrunk) by extra.
func PacketTypesFor(protocol string, extra []string) []string {
	types := append([]string{}, defaultPacketTypes[protocol]...)
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		seen[t] = true
	}
	for _, t := range extra {
		if !seen[t] {
			types = append(types, t)
			seen[t] = true
		}
	}
	return types
}

// DocumentParams carry the per-job inputs of the generated configuration.
type DocumentParams struct {
	ProjectName      string
	Protocol         string
	Version          string
	ExtraPacketTypes []string
}

// BuildDocument assembles the analyzer configuration for one job. Artifact
// paths are expressed container-side: workspace artifacts under /workspace,
// the result store under /out.
func BuildDocument(settings *config.Settings, params DocumentParams) Document {
	layout := settings.Artifacts
	inWorkspace := func(rel string) string {
		return path.Join(docker.WorkspaceMount, rel)
	}
	return Document{
		Project: ProjectSection{
			Name:            params.ProjectName,
			Protocol:        params.Protocol,
			Version:         params.Version,
			Bitcode:         inWorkspace(layout.Bitcode),
			Binary:          inWorkspace(layout.Binary),
			BuildLog:        inWorkspace(layout.BuildLog),
			OriginalIR:      inWorkspace(layout.OriginalIR),
			CallGraph:       inWorkspace(layout.CallGraph),
			FunctionSummary: inWorkspace(layout.FunctionSummary),
			RuleFile:        inWorkspace(layout.RuleFile),
		},
		ResultStore: ResultStoreSection{
			Path: path.Join(docker.OutputMount, layout.ResultDir),
		},
		Report: ReportSection{
			Format:        "sqlite",
			Model:         settings.Model,
			ModelAttempts: settings.ModelAttempts,
			ModelRepeats:  settings.ModelRepeats,
		},
		Debug: DebugSection{Enabled: settings.Debug},
		PacketTypes: TaxonomySection{
			Protocol: params.Protocol,
			Types:    PacketTypesFor(params.Protocol, params.ExtraPacketTypes),
		},
	}
}

// WriteDocument serializes the document to destPath.
func WriteDocument(doc Document, destPath string) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, raw, 0o644)
}
