package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-baton/v1/coordinator"
	"github.com/mirkobrombin/go-baton/v1/ledger"
)

// Exit statuses of the run command.
const (
	exitFailed    = 1
	exitExhausted = 2
	exitInternal  = 70
	exitTempFail  = 75
)

func newRunCommand(a *app) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "run <repo> <number> -- <command> [args...]",
		Short: "Process one trigger with an external command",
		Long: `Run one trigger through the coordinator, using the given command as the
processing step. The command sees BATON_REPO, BATON_ISSUE and BATON_KEY in its
environment and fails the attempt by exiting non-zero.

Exit status: 0 completed or skipped, 1 failed, 2 retries exhausted,
75 deferred or busy, 70 internal error.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash != 2 {
				return fmt.Errorf("expected <repo> <number> -- <command>")
			}
			key, err := parseKeyArgs(args[:2])
			if err != nil {
				return err
			}
			if trace || a.cfg.Trace {
				shutdown, err := installTracer()
				if err != nil {
					return err
				}
				defer shutdown()
			}
			s, err := a.openStack()
			if err != nil {
				return err
			}
			stop := s.Coordinator.ReleaseOnSignal(os.Exit)
			defer stop()

			res, _ := s.Coordinator.Handle(cmd.Context(), key, commandFunc(args[2:]))
			fmt.Fprintf(a.out, "%s %s", key, res.Outcome)
			if res.Reason != "" {
				fmt.Fprintf(a.out, " (%s)", res.Reason)
			}
			fmt.Fprintf(a.out, " retries=%d\n", res.Record.RetryCount)
			return exitFor(res)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "print OpenTelemetry spans to stdout")
	return cmd
}

func commandFunc(argv []string) coordinator.ProcessFunc {
	return func(ctx context.Context, key ledger.Key) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		c.Env = append(os.Environ(),
			"BATON_REPO="+key.Repo,
			"BATON_ISSUE="+strconv.Itoa(key.Number),
			"BATON_KEY="+key.String(),
		)
		return c.Run()
	}
}

func exitFor(res coordinator.Result) error {
	switch res.Outcome {
	case coordinator.OutcomeCompleted, coordinator.OutcomeSkipped:
		return nil
	case coordinator.OutcomeFailed:
		return &exitError{code: exitFailed, err: res.Err}
	case coordinator.OutcomeRetriesExhausted:
		return &exitError{code: exitExhausted, err: res.Err}
	case coordinator.OutcomeDeferred, coordinator.OutcomeBusy:
		return &exitError{code: exitTempFail}
	}
	return &exitError{code: exitInternal, err: res.Err}
}
