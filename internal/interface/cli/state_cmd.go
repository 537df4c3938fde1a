package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipeguard/pipeguard/internal/state"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage the shared state document",
	}
	cmd.AddCommand(newStateInitCmd())
	cmd.AddCommand(newStateReadCmd())
	cmd.AddCommand(newStateWriteCmd())
	cmd.AddCommand(newStateValidateCmd())
	cmd.AddCommand(newStateBackupCmd())
	cmd.AddCommand(newStateRestoreCmd())
	cmd.AddCommand(newStateStatusCmd())
	return cmd
}

func newStateInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default state document if absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Init()
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func newStateReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Print the state document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Read()
				if err != nil && !errors.Is(err, state.ErrCorruptionRecovered) {
					return err
				}
				if printErr := printJSON(cmd, doc); printErr != nil {
					return printErr
				}
				// A recovered read still succeeds but exits non-zero so
				// callers notice the corruption.
				return err
			})
		},
	}
}

// statePatch is the JSON mutation accepted by `state write`.
type statePatch struct {
	Phase         *string  `json:"phase,omitempty"`
	Complete      []string `json:"complete,omitempty"`
	Signals       []string `json:"signals,omitempty"`
	SchemaVersion *int     `json:"schema_version,omitempty"`
}

func newStateWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <patch-json> [label]",
		Short: "Apply a JSON patch to the state document atomically",
		Long: `Apply a mutation to the state document under the exclusive state lock.

The patch is a JSON object with any of:
  phase           set the pipeline phase
  complete        list of unit names to mark completed
  signals         list of signal names to emit
  schema_version  bump the schema version (never decreases)`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch statePatch
			if err := json.Unmarshal([]byte(args[0]), &patch); err != nil {
				return fmt.Errorf("%w: invalid patch: %v", state.ErrValidation, err)
			}
			label := "cli"
			if len(args) == 2 {
				label = args[1]
			}
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Write(func(d *state.Document) error {
					if patch.Phase != nil {
						d.Phase = *patch.Phase
					}
					for _, unit := range patch.Complete {
						d.MarkCompleted(unit)
					}
					for _, signal := range patch.Signals {
						d.EmitSignal(signal)
					}
					if patch.SchemaVersion != nil {
						d.SchemaVersion = *patch.SchemaVersion
					}
					return nil
				}, label)
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func newStateValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the on-disk document against the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				if err := c.Store.Validate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "state document is valid")
				return nil
			})
		},
	}
}

func newStateBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [label]",
		Short: "Create an immutable backup of the current document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ""
			if len(args) == 1 {
				label = args[0]
			}
			return withContainer(func(c *Container) error {
				id, err := c.Store.Backup(label)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newStateRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [selector]",
		Short: "Restore the newest backup matching an id or label (newest overall when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector := ""
			if len(args) == 1 {
				selector = args[0]
			}
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Restore(selector)
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func newStateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the document and its backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				doc, err := c.Store.Read()
				if err != nil && !errors.Is(err, state.ErrCorruptionRecovered) {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "phase: %s\n", doc.Phase)
				fmt.Fprintf(out, "schema version: %d\n", doc.SchemaVersion)
				fmt.Fprintf(out, "completed units: %d\n", len(doc.CompletedUnits))
				fmt.Fprintf(out, "signals: %d\n", len(doc.Signals))
				fmt.Fprintf(out, "updated at: %s\n", doc.Meta.UpdatedAt)
				fmt.Fprintf(out, "backups: %d\n", len(c.Store.ListBackups()))
				return err
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
