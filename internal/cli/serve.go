package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lumenchat/relay/internal/bootstrap"
	log "github.com/lumenchat/relay/internal/logging"
)

const shutdownGrace = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay server.

Loads the configuration, builds the provider registry and key pools,
and serves the chat API until interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		log.SetupBaseLogger()
		bootstrap.LoadEnv()

		configPath := cfgFile
		if configPath == "" {
			configPath = "config.yaml"
		}

		app, err := bootstrap.New(configPath, servePort)
		if err != nil {
			log.Fatalf("Failed to bootstrap: %v", err)
		}

		runUntilSignalled(app)
	},
}

// runUntilSignalled starts the app and blocks until the listener exits or
// the process receives SIGINT/SIGTERM, then shuts down with a grace period.
func runUntilSignalled(app *bootstrap.App) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		app.Stop(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server exited: %v", err)
	}
	log.Infof("Shutdown complete")
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured server port")
	rootCmd.AddCommand(serveCmd)
}
