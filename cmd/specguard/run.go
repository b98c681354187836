package specguard

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/specguard/specguard/pkg/orchestrator"
)

var (
	runRuleFile    string
	runDockerfile  string
	runConfigFile  string
	runProtocol    string
	runVersion     string
	runPacketTypes []string
)

func init() {
	runCmd.Flags().StringVar(
		&runRuleFile, "rules", "",
		`Path of a rule file to analyze against, overriding the image default.`,
	)
	runCmd.Flags().StringVar(
		&runDockerfile, "dockerfile", "",
		`Path of a Dockerfile to build a one-off builder image from.`,
	)
	runCmd.Flags().StringVar(
		&runConfigFile, "config", "",
		`Path of an analyzer configuration file, replacing the generated one.`,
	)
	runCmd.Flags().StringVar(
		&runProtocol, "protocol", "",
		`Protocol under analysis, e.g. TLS or QUIC.`,
	)
	runCmd.Flags().StringVar(
		&runVersion, "protocol-version", "",
		`Version of the protocol under analysis.`,
	)
	runCmd.Flags().StringSliceVar(
		&runPacketTypes, "packet-types", nil,
		`Extra packet types to track, on top of the protocol defaults.`,
	)
}

var runCmd = &cobra.Command{
	Use:   "run [code-archive]",
	Short: "Build and statically analyze a source archive",
	Long:  "Builds the uploaded source archive in a container, runs the analyzer against it and prints the compliance verdicts in yaml format.",
	Args:  cobra.ExactArgs(1),
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

		req := orchestrator.AnalysisRequest{
			CodeArchive:      code,
			CodeFilename:     filepath.Base(cmdArgs[0]),
			Protocol:         runProtocol,
			Version:          runVersion,
			ExtraPacketTypes: runPacketTypes,
		}
		if runRuleFile != "" {
			rules, err := openOptional(runRuleFile)
			if err != nil {
				return err
			}
			defer rules.Close()
			req.RuleFile = rules
			req.RuleFilename = filepath.Base(runRuleFile)
		}
		if runDockerfile != "" {
			dockerfile, err := openOptional(runDockerfile)
			if err != nil {
				return err
			}
			defer dockerfile.Close()
			req.Dockerfile = dockerfile
		}
		if runConfigFile != "" {
			configFile, err := openOptional(runConfigFile)
			if err != nil {
				return err
			}
			defer configFile.Close()
			req.ConfigDescriptor = configFile
		}

		jobID := orch.StartAnalysisJob(req)
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
