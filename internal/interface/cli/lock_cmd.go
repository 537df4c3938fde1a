package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	model "github.com/pipeguard/pipeguard/internal/domain/model/lock"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage advisory resource locks",
	}
	cmd.AddCommand(newLockAcquireCmd())
	cmd.AddCommand(newLockReleaseCmd())
	cmd.AddCommand(newLockCheckCmd())
	cmd.AddCommand(newLockListCmd())
	cmd.AddCommand(newLockCleanupCmd())
	return cmd
}

func newLockAcquireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acquire <resource> [timeoutSec] [mode]",
		Short: "Acquire a lease on a resource (exclusive by default)",
		Long: `Acquire a lease on a named resource. The lease entry stays on disk until
released or reclaimed as stale, so it survives this process and is visible
to every other pipeguard invocation.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				timeout := c.Config.LockTimeout
				if len(args) >= 2 {
					sec, err := strconv.Atoi(args[1])
					if err != nil || sec <= 0 {
						return fmt.Errorf("invalid timeout %q", args[1])
					}
					timeout = time.Duration(sec) * time.Second
				}
				mode, err := model.ParseMode(modeArg(args))
				if err != nil {
					return err
				}
				lease, err := c.Locks.Acquire(args[0], mode, timeout, map[string]string{"op": "cli.acquire"})
				if err != nil {
					return err
				}
				return printJSON(cmd, lease.Record())
			})
		},
	}
}

func modeArg(args []string) string {
	if len(args) >= 3 {
		return args[2]
	}
	return ""
}

func newLockReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource>",
		Short: "Release every lease entry held on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				removed, err := c.Locks.ReleaseResource(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d lease(s) on %s\n", removed, args[0])
				return nil
			})
		},
	}
}

func newLockCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <resource>",
		Short: "Inspect a resource without acquiring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				status, err := c.Locks.Check(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func newLockListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list [format]",
		Short: "List all currently held locks (format: table or json)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				switch args[0] {
				case "json":
					jsonOutput = true
				case "table":
				default:
					return fmt.Errorf("unknown format %q (expected table or json)", args[0])
				}
			}
			return withContainer(func(c *Container) error {
				statuses, err := c.Locks.List()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd, statuses)
				}
				if len(statuses) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no locks held")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RESOURCE\tMODE\tPID\tHOST\tAGE")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.0fs\n",
						s.Resource, s.Mode, s.HolderPID, s.Hostname, s.AgeSeconds)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newLockCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [maxAgeMinutes]",
		Short: "Reclaim stale locks older than the threshold",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(c *Container) error {
				maxAge := time.Duration(0)
				if len(args) == 1 {
					minutes, err := strconv.Atoi(args[0])
					if err != nil || minutes <= 0 {
						return fmt.Errorf("invalid max age %q", args[0])
					}
					maxAge = time.Duration(minutes) * time.Minute
				}
				reclaimed, err := c.Locks.Cleanup(maxAge)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale lock(s)\n", reclaimed)
				return nil
			})
		},
	}
}
