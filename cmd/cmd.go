// cmd.go - main CLI setup and root command
// Main functions: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite-run/ignite/envconfig"
)

// appendEnvDocs appends an Environment Variables section, naming only
// the variables relevant to cmd, to a command's usage template.
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

// NewCLI builds the root ignite command with all subcommands attached.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))

	rootCmd := &cobra.Command{
		Use:           "ignite",
		Short:         "Run a language model locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	runCmd := newRunCmd()
	serveCmd := newServeCmd()
	adapterCmd := newAdapterCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(runCmd, []envconfig.EnvVar{
		envVars["IGNITE_MODELS"],
		envVars["IGNITE_CONTEXT_LENGTH"],
		envVars["IGNITE_LOG_LEVEL"],
		envVars["IGNITE_DRIFT_THRESHOLD"],
	})
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["IGNITE_HOST"],
		envVars["IGNITE_ORIGINS"],
		envVars["IGNITE_MODELS"],
		envVars["IGNITE_LOAD_TIMEOUT"],
		envVars["IGNITE_KEEP_ALIVE"],
		envVars["IGNITE_MAX_SESSIONS"],
		envVars["IGNITE_MAX_QUEUE"],
		envVars["IGNITE_LOG_LEVEL"],
	})
	appendEnvDocs(adapterCmd, []envconfig.EnvVar{
		envVars["IGNITE_MODELS"],
		envVars["IGNITE_ADAPTER_CACHE_SIZE"],
	})

	rootCmd.AddCommand(runCmd, serveCmd, adapterCmd, envCmd)

	return rootCmd
}
