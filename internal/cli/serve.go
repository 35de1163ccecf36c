package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/stackmill/conveyor/internal/config"
	"github.com/stackmill/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator API server",
	Long: `Start the HTTP API and the recovery worker.

The API exposes workflow creation, transitions, audit history, and recovery
controls. The recovery worker processes detected failures asynchronously and
runs for as long as the server does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Orchestrator.Port = port
		}

		orch, cleanup, err := newOrchestratorWith(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go orch.Run(ctx)

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		return web.NewServer(orch, cfg.Orchestrator.Port, logger).Start()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}
