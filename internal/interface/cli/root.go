package cli

import (
	"github.com/spf13/cobra"

	"github.com/pipeguard/pipeguard/internal/app"
)

// NewRoot assembles the pipeguard command tree.
func NewRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pipeguard",
		Short:         "State coordination and workspace isolation for concurrent pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newLockCmd())
	cmd.AddCommand(newRecoveryCmd())
	cmd.AddCommand(newWorkspaceCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRoot().Execute(); err != nil {
		app.GetLogger().Error("%v", err)
		return exitCode(err)
	}
	return ExitOK
}

// withContainer builds the container for one command invocation and tears it
// down afterwards.
func withContainer(fn func(c *Container) error) error {
	c, err := InitializeContainer()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
