package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInitCmd creates the home layout and the default state document.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the pipeguard home directory and state document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Init()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (phase: %s)\n", c.Paths.Home, doc.Phase)
				return nil
			})
		},
	}
}
