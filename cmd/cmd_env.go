// cmd_env.go - env command
// Main function: EnvHandler
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ignite-run/ignite/envconfig"
)

// EnvHandler prints every configuration variable this runtime reads,
// its current value, and a one-line description.
func EnvHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := vars[name]
		fmt.Printf("%-28s %s\n", v.Name, v.Value)
		fmt.Printf("   %s\n", v.Description)
	}
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Print configuration environment variables",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}
