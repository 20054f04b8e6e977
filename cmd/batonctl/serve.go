package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-baton/v1/diag"
	"github.com/mirkobrombin/go-baton/v1/metrics"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string
	var trace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the diagnostics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.DiagAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
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
			reg := metrics.NewRegistry()
			s.Metrics.Register(reg)
			srv := diag.New(s.Locker, s.Ledger,
				diag.WithBus(s.Bus),
				diag.WithGatherer(reg),
				diag.WithLogger(a.logger),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to diag_addr)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print OpenTelemetry spans to stdout")
	return cmd
}

// installTracer routes spans to a pretty-printing stdout exporter.
func installTracer() (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}
