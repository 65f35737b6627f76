package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/graphstage/internal/envconfig"
)

const version = "v0.1.0-dev"

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the graphstage command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "graphstage",
		Short:         "Run DNN graphs as tabular pipeline stages",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Int(flagRunners, int(envconfig.Runners()), "Maximum number of concurrent graph executions")
	flags.String(flagDevice, envconfig.Device(), "Inference device (cpu, webgpu)")
	flags.String(flagTempDir, envconfig.TempDir(), "Root directory for extracted saved models")

	inspectCmd := newInspectCmd()
	scoreCmd := newScoreCmd()
	retrainCmd := newRetrainCmd()
	transferCmd := newTransferCmd()
	pushCmd := newPushCmd()
	pullCmd := newPullCmd()
	listCmd := newListCmd()

	envVars := envconfig.AsMap()
	runtimeEnvs := []envconfig.EnvVar{
		envVars["GRAPHSTAGE_DEBUG"],
		envVars["GRAPHSTAGE_LOG_FORMAT"],
		envVars["GRAPHSTAGE_RUNNERS"],
		envVars["GRAPHSTAGE_DEVICE"],
		envVars["GRAPHSTAGE_TMPDIR"],
	}
	storeEnvs := []envconfig.EnvVar{
		envVars["GRAPHSTAGE_STORE"],
		envVars["GRAPHSTAGE_STORE_ACCESS_KEY"],
		envVars["GRAPHSTAGE_STORE_SECRET_KEY"],
		envVars["GRAPHSTAGE_STORE_INSECURE"],
		envVars["GRAPHSTAGE_STORE_REGION"],
		envVars["GRAPHSTAGE_COMPRESSION_LEVEL"],
	}
	for _, cmd := range []*cobra.Command{inspectCmd, scoreCmd, retrainCmd, transferCmd} {
		appendEnvDocs(cmd, runtimeEnvs)
	}
	for _, cmd := range []*cobra.Command{pushCmd, pullCmd, listCmd} {
		appendEnvDocs(cmd, storeEnvs)
	}

	rootCmd.AddCommand(
		inspectCmd,
		scoreCmd,
		retrainCmd,
		transferCmd,
		pushCmd,
		pullCmd,
		listCmd,
		newEnvCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
