package specguard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/specguard/specguard/pkg/config"
	"github.com/specguard/specguard/pkg/docker"
	"github.com/specguard/specguard/pkg/models"
	"github.com/specguard/specguard/pkg/orchestrator"
	"github.com/specguard/specguard/pkg/registry"
	"github.com/specguard/specguard/pkg/store"
	"github.com/specguard/specguard/pkg/workspace"
)

var stateDBPath string

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(assertCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.PersistentFlags().StringVar(
		&stateDBPath, "state-db", "specguard.db",
		`Path of the sqlite database holding durable job state.`,
	)
}

var RootCmd = &cobra.Command{
	Use:   "specguard",
	Short: "Containerized protocol compliance analysis",
	Long:  `Containerized protocol compliance analysis`,
}

func Execute(version string) {
	RootCmd.Version = version

	setVersion()

	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setVersion() {
	template := fmt.Sprintf("Specguard Version: %s\n", RootCmd.Version)
	RootCmd.SetVersionTemplate(template)
}

// setup resolves configuration and assembles a fully wired orchestrator.
// Every command that launches or inspects jobs goes through here.
func setup() (*orchestrator.Orchestrator, *store.StateStore, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	engine, err := docker.NewClient()
	if err != nil {
		return nil, nil, err
	}

	state, err := store.NewStateStore(store.WithPath(stateDBPath))
	if err != nil {
		return nil, nil, err
	}

	historyDir := filepath.Join(settings.OutputRoot, "history")
	history, err := store.NewHistoryStore(historyDir,
		store.WithPath(filepath.Join(historyDir, "history.db")))
	if err != nil {
		return nil, nil, err
	}

	orch := orchestrator.New(
		settings,
		workspace.NewManager(settings),
		engine,
		registry.New(),
		state,
		history,
	)
	return orch, state, nil
}

// waitForJob polls the live registry until the job reaches a terminal
// state, echoing each new event as it appears.
func waitForJob(cmd *cobra.Command, orch *orchestrator.Orchestrator, jobID string) (models.Job, error) {
	seen := 0
	for {
		job, ok := orch.Registry().Snapshot(jobID)
		if !ok {
			return models.Job{}, fmt.Errorf("no job found with ID: %s", jobID)
		}
		for ; seen < len(job.Events); seen++ {
			event := job.Events[seen]
			cmd.PrintErrf("[%s] %s: %s\n",
				event.Timestamp.Format(time.TimeOnly), event.Stage, event.Message)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func openOptional(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.Open(path)
}
