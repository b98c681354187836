package orchestrator

import (
	"context"
	"io"

	"github.com/specguard/specguard/pkg/config"
	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/registry"
	"github.com/specguard/specguard/pkg/store"
	"github.com/specguard/specguard/pkg/workspace"
)

// Engine is the container-engine surface the orchestrator sequences.
// *docker.Client satisfies it; tests substitute fakes.
type Engine interface {
	IsAvailable(ctx context.Context) bool
	RunContainer(ctx context.Context, spec docker.RunSpec) ([]string, error)
	BuildImage(ctx context.Context, contextDir, dockerfilePath, tag, proxy string, sink docker.LogSink) (string, error)
	RemoveImage(ctx context.Context, tag string)
}

// Orchestrator sequences workspace staging, container execution, artifact
// validation and result extraction for both supported workflows. It holds
// no per-job state; every job owns its own directory subtree and one
// goroutine.
type Orchestrator struct {
	settings   *config.Settings
	workspaces *workspace.Manager
	engine     Engine
	registry   *registry.Registry
	state      *store.StateStore
	history    *store.HistoryStore
}

func New(
	settings *config.Settings,
	workspaces *workspace.Manager,
	engine Engine,
	reg *registry.Registry,
	state *store.StateStore,
	history *store.HistoryStore,
) *Orchestrator {
	return &Orchestrator{
		settings:   settings,
		workspaces: workspaces,
		engine:     engine,
		registry:   reg,
		state:      state,
		history:    history,
	}
}

// Registry exposes the progress registry for polling callers.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// AnalysisRequest carries the uploads of one static-analysis run.
type AnalysisRequest struct {
	CodeArchive  io.Reader
	CodeFilename string

	RuleFile     io.Reader
	RuleFilename string

	// optional builder descriptor; when present a per-job builder image is
	// built from it and removed again after the run
	Dockerfile io.Reader

	// optional analyzer configuration descriptor; when present it is
	// persisted as the analyzer configuration instead of the generated
	// document
	ConfigDescriptor io.Reader

	Protocol string
	Version  string

	ExtraPacketTypes []string
}

// AssertionRequest carries the uploads of one assertion-generation run.
type AssertionRequest struct {
	CodeArchive  io.Reader
	CodeFilename string

	Database         io.Reader
	DatabaseFilename string

	// optional free-text files written into the workspace for the analyzer
	BuildInstructions string
	Notes             string

	Protocol string
	Version  string
}

func (o *Orchestrator) protocol(requested string) string {
	if requested != "" {
		return requested
	}
	return o.settings.DefaultProtocol
}

func (o *Orchestrator) version(requested string) string {
	if requested != "" {
		return requested
	}
	return o.settings.DefaultVersion
}
