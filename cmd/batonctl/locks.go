package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-baton/v1/lock"
)

func newLocksCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear locks",
	}
	cmd.AddCommand(newLocksListCommand(a), newLocksClearCommand(a), newLocksStaleCommand(a))
	return cmd
}

func newLocksListCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every lock with its holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack()
			if err != nil {
				return err
			}
			infos, err := s.Locker.List(cmd.Context())
			if err != nil {
				return err
			}
			return printLocks(a.out, infos, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table|json)")
	return cmd
}

func newLocksClearCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [name]",
		Short: "Remove a lock unconditionally",
		Long: `Remove a lock regardless of its holder. Use this only to recover from
crashes the automatic reclaim cannot handle, for example a holder on another
host that will never come back.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a lock name or --all")
			}
			s, err := a.openStack()
			if err != nil {
				return err
			}
			if all {
				n, err := s.Locker.ForceClearAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "cleared %d locks\n", n)
				return nil
			}
			if err := s.Locker.ForceClear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cleared %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every lock")
	return cmd
}

func newLocksStaleCommand(a *app) *cobra.Command {
	var reclaim bool
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List stale locks, optionally reclaiming them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack()
			if err != nil {
				return err
			}
			infos, err := s.Locker.List(cmd.Context())
			if err != nil {
				return err
			}
			var stale []lock.Info
			for _, info := range infos {
				if info.Stale {
					stale = append(stale, info)
				}
			}
			if !reclaim {
				return printLocks(a.out, stale, "table")
			}
			for _, info := range stale {
				ok, err := s.Locker.Reclaim(cmd.Context(), info.Name)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(a.out, "reclaimed %s\n", info.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reclaim, "reclaim", false, "reclaim the stale locks")
	return cmd
}

func printLocks(w io.Writer, infos []lock.Info, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if infos == nil {
			infos = []lock.Info{}
		}
		return enc.Encode(infos)
	case "table":
	default:
		return fmt.Errorf("unknown output %q", output)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPID\tHOST\tAGE\tLIVENESS\tSTALE\tRESOURCE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%t\t%s\n",
			info.Name, info.PID, info.Host, info.Age.Truncate(time.Second), info.Liveness, info.Stale, info.Resource)
	}
	return tw.Flush()
}
