package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/pagecheck/internal/api"
	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/browser"
	"github.com/ahrdadan/pagecheck/internal/config"
	"github.com/ahrdadan/pagecheck/internal/nats"
	"github.com/ahrdadan/pagecheck/internal/queue"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the verification run queue over HTTP",
		Long: `Serve verification runs over HTTP. Runs are queued on NATS JetStream and
executed one at a time, each in its own browser session; screenshots are kept
under the artifact directory per run.

Example:
  pagecheck serve --port 8000 --settle-mode poll
  pagecheck serve --nats-url nats://queue:4222 --allow-ip 10.0.0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cfg.BindServerFlags(cmd.Flags())
	cmd.Flags().StringVar(&cfg.Page, "page", cfg.Page, "Default page for runs that do not name one")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	log.Printf("Starting %s v%s", config.AppName, config.Version)

	bin := ""
	if cfg.RemoteURL == "" {
		var err error
		bin, err = browser.ResolveChrome(ctx, cfg.InstallOptions())
		if err != nil {
			return WrapExitError(ExitCommandError, "no browser available", err)
		}
		log.Printf("Using browser %s", bin)
	}

	// NATS + JetStream setup
	natsServer, err := nats.NewServer(nats.ServerConfig{
		BinPath:  cfg.NatsBin,
		StoreDir: cfg.NatsStore,
		URL:      cfg.NatsURL,
		AutoDL:   cfg.NatsAutoDL,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create NATS server", err)
	}
	if err := natsServer.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start NATS server", err)
	}
	defer func() {
		if err := natsServer.Stop(); err != nil {
			log.Warnf("Failed to stop NATS server: %v", err)
		}
	}()

	queueManager, err := queue.NewManager(natsServer.GetJetStream(), queue.Options{
		ResultTTL:       cfg.ResultTTL,
		CleanupInterval: 5 * time.Minute,
		Notifier:        queue.NewWebhookNotifier(cfg.BaseURL),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create queue manager", err)
	}

	processor := queue.NewRunProcessor(queue.ProcessorConfig{
		ArtifactDir: cfg.ArtifactDir,
		PageRoot:    cfg.PageRoot,
		Browser:     cfg.BrowserOptions(bin),
		Runner:      cfg.RunnerOptions(),
	}, artifact.NewWriter())
	if err := queueManager.Start(processor); err != nil {
		return WrapExitError(ExitCommandError, "failed to start queue worker", err)
	}
	defer queueManager.Stop()

	app := fiber.New(fiber.Config{
		AppName:      config.AppName,
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	stopRoutes := api.SetupRoutes(app, queueManager, api.RouteConfig{
		Version:           config.Version,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		BaseURL:           cfg.BaseURL,
		MaxRunTimeout:     cfg.MaxJobTimeout,
		MaxRetries:        cfg.MaxRetries,
		AllowedIPs:        cfg.AllowedIPs,
		PageRoot:          cfg.PageRoot,
	})
	defer stopRoutes()

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("Starting server on %s (API base %s)", addr, cfg.BaseURL)
	log.Printf("NATS JetStream at %s", cfg.NatsURL)

	if err := app.Listen(addr); err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
