package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Checkpoints, restoration, and degraded mode",
	}
	cmd.AddCommand(newRecoveryCheckpointCmd())
	cmd.AddCommand(newRecoveryRestoreCmd())
	cmd.AddCommand(newRecoveryListCmd())
	cmd.AddCommand(newRecoveryDegradeCmd())
	cmd.AddCommand(newRecoveryRecoverModeCmd())
	return cmd
}

func newRecoveryCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <name> <phase> [payload-json]",
		Short: "Snapshot the state document plus caller context",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload must be valid JSON")
				}
				payload = json.RawMessage(args[2])
			}
			return withContainer(func(c *Container) error {
				id, err := c.Recovery.Checkpoint(args[0], args[1], payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newRecoveryRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a checkpoint's state snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				cp, err := c.Recovery.Restore(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, cp)
			})
		},
	}
}

func newRecoveryListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list-checkpoints",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				checkpoints, err := c.Recovery.List()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, checkpoints)
				}
				if len(checkpoints) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPHASE\tKIND\tCREATED")
				for _, cp := range checkpoints {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cp.ID, cp.Phase, cp.Kind, cp.CreatedAt)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newRecoveryDegradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "degrade <reason> [feature...]",
		Short: "Enter degraded mode, disabling the listed features",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				if err := c.Recovery.EnterDegradedMode(args[0], args[1:]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "degraded mode entered: %s\n", args[0])
				return nil
			})
		},
	}
}

func newRecoveryRecoverModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-mode",
		Short: "Exit degraded mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				if err := c.Recovery.ExitDegradedMode(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "degraded mode cleared")
				return nil
			})
		},
	}
}
