package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/leadflow/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the payment retry worker",
	Long: `Serve the HTTP API (inbound messages, provider webhooks, ops endpoints) and
poll for due capture retries in the same process. Both stop on SIGINT or
SIGTERM; the HTTP server drains in-flight requests first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = a.cfg.Server.Port
		}
		noWorker, _ := cmd.Flags().GetBool("no-worker")

		if len(a.cfg.Server.OpsTokens) == 0 {
			a.log.Warn().Msg("no ops tokens configured; /api/v1 will reject every request")
		}
		if a.cfg.Server.WebhookSecret == "" {
			a.log.Warn().Msg("no webhook secret configured; provider callbacks will be rejected")
		}

		srv := api.NewServer(api.Deps{
			DB:           a.db,
			Orchestrator: a.orch,
			Saga:         a.saga,
			Reconciler:   a.recon,
			Server:       a.cfg.Server,
			Logger:       a.log,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx, fmt.Sprintf(":%d", port))
		})
		if !noWorker {
			g.Go(func() error {
				return a.worker.Run(gctx)
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default from config)")
	serveCmd.Flags().Bool("no-worker", false, "Do not run the retry worker in this process")
}
