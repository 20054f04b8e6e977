package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-baton/v1/ledger"
)

func newLedgerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the execution ledger",
	}
	cmd.AddCommand(newLedgerShowCommand(a), newLedgerGetCommand(a), newLedgerWatchCommand(a))
	return cmd
}

func newLedgerShowCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack()
			if err != nil {
				return err
			}
			records, err := s.Ledger.All(cmd.Context())
			if err != nil {
				return err
			}
			return printRecords(a.out, records, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table|json|yaml)")
	return cmd
}

func newLedgerGetCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <repo> <number>",
		Short: "Print the record of one trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKeyArgs(args)
			if err != nil {
				return err
			}
			s, err := a.openStack()
			if err != nil {
				return err
			}
			rec, ok, err := s.Ledger.Find(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no record for %s", key)
			}
			return printRecords(a.out, []ledger.Record{rec}, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table|json|yaml)")
	return cmd
}

func newLedgerWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print records as they change (filesystem backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Backend != "fs" {
				return fmt.Errorf("watch needs the fs backend, configured %q", a.cfg.Backend)
			}
			s, err := a.openStack()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			changes, err := ledger.NewFileBackend(a.cfg.LedgerPath).Watch(ctx, a.logger)
			if err != nil {
				return err
			}
			seen := make(map[string]time.Time)
			report := func() error {
				records, err := s.Ledger.All(ctx)
				if err != nil {
					return err
				}
				for _, r := range records {
					if prev, ok := seen[r.Key]; ok && !r.UpdatedAt.After(prev) {
						continue
					}
					seen[r.Key] = r.UpdatedAt
					fmt.Fprintf(a.out, "%s\t%s\t%s\tretries=%d\t%s\n",
						r.UpdatedAt.Format(time.RFC3339), r.Key, r.Status, r.RetryCount, r.Details)
				}
				return nil
			}
			if err := report(); err != nil {
				return err
			}
			for range changes {
				if err := report(); err != nil {
					a.logger.Warn("baton: ledger read failed", "error", err)
				}
			}
			return nil
		},
	}
}

func parseKeyArgs(args []string) (ledger.Key, error) {
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return ledger.Key{}, fmt.Errorf("invalid issue number %q", args[1])
	}
	return ledger.Key{Repo: args[0], Number: n}, nil
}

func printRecords(w io.Writer, records []ledger.Record, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	case "table":
	default:
		return fmt.Errorf("unknown output %q", output)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tRETRIES\tUPDATED\tDETAILS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Key, r.Status, r.RetryCount, r.UpdatedAt.Format(time.RFC3339), r.Details)
	}
	return tw.Flush()
}
