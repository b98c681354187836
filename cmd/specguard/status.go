package specguard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/specguard/specguard/pkg/store"
)

var statusWithEvents bool

func init() {
	statusCmd.Flags().BoolVar(
		&statusWithEvents, "events", false,
		`Include the full per-step event trail in the output.`,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Describe a past or running job",
	Long:  "Full description of a job from the durable state database, in yaml format. Works across process restarts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		jobID := cmdArgs[0]

		state, err := store.NewStateStore(store.WithPath(stateDBPath))
		if err != nil {
			return err
		}
		defer state.Close()

		job, err := state.GetJob(context.Background(), jobID)
		if err != nil {
			return fmt.Errorf("no job found with ID: %s", jobID)
		}
		if !statusWithEvents {
			job.Events = nil
		}

		bytes, _ := yaml.Marshal(job)
		cmd.Print(string(bytes))
		return nil
	},
}
