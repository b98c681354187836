package specguard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/specguard/specguard/pkg/orchestrator"
)

var (
	assertBuildInstructions string
	assertNotes             string
	assertProtocol          string
	assertVersion           string
)

func init() {
	assertCmd.Flags().StringVar(
		&assertBuildInstructions, "build-instructions", "",
		`Path of a free-text file describing how to build the project.`,
	)
	assertCmd.Flags().StringVar(
		&assertNotes, "notes", "",
		`Path of a free-text file with extra notes for the analyzer.`,
	)
	assertCmd.Flags().StringVar(
		&assertProtocol, "protocol", "",
		`Protocol under analysis, e.g. TLS or QUIC.`,
	)
	assertCmd.Flags().StringVar(
		&assertVersion, "protocol-version", "",
		`Version of the protocol under analysis.`,
	)
}

var assertCmd = &cobra.Command{
	Use:   "assert [code-archive] [result-database]",
	Short: "Generate an instrumented assertion diff for a source archive",
	Long:  "Builds the uploaded source archive in a container, generates runtime assertions from a prior result database and prints the path of the packaged diff in yaml format.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		orch, state, err := setup()
		if err != nil {
			return err
		}
		defer state.Close()

		code, err := openOptional(cmdArgs[0])
		if err != nil {
			return err
		}
		defer code.Close()

		database, err := openOptional(cmdArgs[1])
		if err != nil {
			return err
		}
		defer database.Close()

		req := orchestrator.AssertionRequest{
			CodeArchive:      code,
			CodeFilename:     filepath.Base(cmdArgs[0]),
			Database:         database,
			DatabaseFilename: filepath.Base(cmdArgs[1]),
			Protocol:         assertProtocol,
			Version:          assertVersion,
		}
		if assertBuildInstructions != "" {
			text, err := os.ReadFile(assertBuildInstructions)
			if err != nil {
				return err
			}
			req.BuildInstructions = string(text)
		}
		if assertNotes != "" {
			text, err := os.ReadFile(assertNotes)
			if err != nil {
				return err
			}
			req.Notes = string(text)
		}

		jobID := orch.StartAssertionJob(req)
		cmd.PrintErrf("submitted job %s\n", jobID)

		job, err := waitForJob(cmd, orch, jobID)
		if err != nil {
			return err
		}
		if job.Error != "" {
			return fmt.Errorf("job %s failed: %s", jobID, job.Error)
		}

		bytes, _ := yaml.Marshal(job.Result)
		cmd.Print(string(bytes))
		return nil
	},
}
