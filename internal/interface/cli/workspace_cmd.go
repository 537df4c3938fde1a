package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Degraded-mode capability tags checked before the risky workspace entry
// points. Disable them via `pipeguard recovery degrade <reason> <feature>`.
const (
	featureWorkspaceCreate = "workspace.create"
	featureWorkspaceMerge  = "workspace.merge"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Isolated workspace lifecycle: create, validate, merge, cleanup",
	}
	cmd.AddCommand(newWorkspaceCreateCmd())
	cmd.AddCommand(newWorkspaceStatusCmd())
	cmd.AddCommand(newWorkspaceValidateCmd())
	cmd.AddCommand(newWorkspaceMergeCmd())
	cmd.AddCommand(newWorkspaceResolveCmd())
	cmd.AddCommand(newWorkspaceDependCmd())
	cmd.AddCommand(newWorkspaceCleanupCmd())
	cmd.AddCommand(newWorkspaceListCmd())
	cmd.AddCommand(newWorkspaceRepairCmd())
	return cmd
}

func newWorkspaceCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <taskKey> [basePoint]",
		Short: "Create an isolated working copy of the trunk",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			basePoint := ""
			if len(args) == 2 {
				basePoint = args[1]
			}
			return withContainer(func(c *Container) error {
				if err := c.Recovery.Guard(featureWorkspaceCreate); err != nil {
					return err
				}
				record, err := c.Workspaces.Create(args[0], basePoint)
				if err != nil {
					return err
				}
				return printJSON(cmd, record)
			})
		},
	}
}

func newWorkspaceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show one workspace record, or all records when no name is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				if len(args) == 0 {
					records, err := c.Workspaces.List("")
					if err != nil {
						return err
					}
					return printJSON(cmd, records)
				}
				record, err := c.Workspaces.Status(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, record)
			})
		},
	}
}

func newWorkspaceValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <name>",
		Short: "Check isolation invariants and record the change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				changed, err := c.Workspaces.Validate(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(changed) == 0 {
					fmt.Fprintln(out, "no changes")
					return nil
				}
				for _, path := range changed {
					fmt.Fprintln(out, path)
				}
				return nil
			})
		},
	}
}

func newWorkspaceMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <name> [strategy]",
		Short: "Merge a workspace back into the trunk (fast-forward, three-way, or squash)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy := ""
			if len(args) == 2 {
				strategy = args[1]
			}
			return withContainer(func(c *Container) error {
				if err := c.Recovery.Guard(featureWorkspaceMerge); err != nil {
					return err
				}
				result, err := c.Workspaces.Merge(args[0], strategy)
				if result != nil {
					if printErr := printJSON(cmd, result); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}
}

func newWorkspaceResolveCmd() *cobra.Command {
	var contentFile string
	cmd := &cobra.Command{
		Use:   "resolve <name> <path> <ours|theirs|provided>",
		Short: "Record how a conflicting path settles on the next merge",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				name, path := args[0], args[1]
				switch args[2] {
				case "ours":
					return c.Workspaces.AcceptOurs(name, path)
				case "theirs":
					return c.Workspaces.AcceptTheirs(name, path)
				case "provided":
					if contentFile == "" {
						return fmt.Errorf("provided resolution needs --file")
					}
					content, err := os.ReadFile(contentFile)
					if err != nil {
						return err
					}
					return c.Workspaces.ProvideResolved(name, path, content)
				default:
					return fmt.Errorf("unknown resolution %q", args[2])
				}
			})
		},
	}
	cmd.Flags().StringVar(&contentFile, "file", "", "File holding the resolved content (provided only)")
	return cmd
}

func newWorkspaceDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <name> <dependsOn>",
		Short: "Declare a merge-order dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				return c.Workspaces.DeclareDependency(args[0], args[1])
			})
		},
	}
}

func newWorkspaceCleanupCmd() *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "cleanup <name>",
		Short: "Remove a workspace tree, optionally archiving it first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				if err := c.Workspaces.Cleanup(args[0], archive); err != nil {
					return err
				}
				record, err := c.Workspaces.Status(args[0])
				if err != nil {
					return err
				}
				if record.ArchivePath != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "archived to %s\n", record.ArchivePath)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "workspace removed")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "Pack the tree into a tar.gz before removal")
	return cmd
}

func newWorkspaceListCmd() *cobra.Command {
	var statusFilter string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspace records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				records, err := c.Workspaces.List(statusFilter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no workspaces")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tMERGE\tBASE\tCHANGED")
				for _, r := range records {
					base := r.BasePoint
					if len(base) > 12 {
						base = base[:12]
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
						r.Name, r.Status, r.MergeStatus, base, len(r.ChangedPaths))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by lifecycle status")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newWorkspaceRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Reconcile workspace records with the filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				report, err := c.Workspaces.Repair()
				if err != nil {
					return err
				}
				if report.Empty() {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to repair")
					return nil
				}
				return printJSON(cmd, report)
			})
		},
	}
}
