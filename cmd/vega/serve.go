package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/everydev1618/vegatree/serve"
)

var serveAddr string

// serveCmd starts the REST API and event stream server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start the REST API and Server-Sent Events endpoint.

Tasks that were running when the server last stopped are restored on
startup.

Examples:
  vega serve
  vega serve --addr :8080
  VEGA_STORE_DRIVER=bolt vega serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	cfg := serve.Config{
		Addr:            a.cfg.Server.Addr,
		JanitorSchedule: a.cfg.Janitor.Schedule,
		Heartbeat:       a.cfg.Server.Heartbeat,
		MaxStreams:      a.cfg.Server.MaxStreams,
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	srv := serve.New(orch, cfg,
		serve.WithLogger(a.logger),
		serve.WithGatherer(prometheus.DefaultGatherer),
	)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
