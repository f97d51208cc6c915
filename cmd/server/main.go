package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/api"
	"github.com/shehryarbajwa/stepdebug/internal/artifact"
	"github.com/shehryarbajwa/stepdebug/internal/browser"
	"github.com/shehryarbajwa/stepdebug/internal/config"
	"github.com/shehryarbajwa/stepdebug/internal/engine"
	"github.com/shehryarbajwa/stepdebug/internal/executor"
	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/internal/pool"
	"github.com/shehryarbajwa/stepdebug/internal/prereq"
	"github.com/shehryarbajwa/stepdebug/internal/proxy"
	"github.com/shehryarbajwa/stepdebug/internal/ratelimit"
	"github.com/shehryarbajwa/stepdebug/internal/script"
	"github.com/shehryarbajwa/stepdebug/internal/session"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the step debugging server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, addr)
		},
	}

	root := &cobra.Command{
		Use:          "stepdebug",
		Short:        "Debug single steps of browser tests against a live browser",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return root
}

func serve(ctx context.Context, configPath, addr string) error {
	// .env is optional
	envErr := godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if envErr != nil {
		log.Debug("no .env file found, using system environment variables")
	}
	log.Info("starting step debugger", zap.String("version", version))

	driver, err := engine.NewDriver(engine.Kind(cfg.Browser.Driver), cfg.Browser.Install)
	if err != nil {
		return fmt.Errorf("failed to start %s driver: %w", cfg.Browser.Driver, err)
	}
	defer driver.Close()

	launcher, err := newLauncher(ctx, cfg.Browser, log)
	if err != nil {
		return err
	}
	defer launcher.Close()

	contexts := pool.New(driver, launcher, pool.Options{
		MaxContexts: cfg.Pool.MaxContexts,
		IdleTimeout: cfg.Pool.IdleTimeout,
		Open: engine.OpenOptions{
			Headless:          cfg.Browser.Headless,
			ViewportWidth:     cfg.Browser.ViewportWidth,
			ViewportHeight:    cfg.Browser.ViewportHeight,
			DefaultTimeout:    cfg.Session.ActionTimeout,
			NavigationTimeout: cfg.Session.NavigationTimeout,
		},
	}, log)

	shots, err := artifact.NewStore(cfg.Storage.ScreenshotsDir)
	if err != nil {
		return fmt.Errorf("failed to open screenshot store: %w", err)
	}

	scripts, err := script.NewFileSource(cfg.Storage.ScriptsDir)
	if err != nil {
		return fmt.Errorf("failed to open script directory: %w", err)
	}

	exec := executor.New(contexts, shots, executor.Options{
		ActionTimeout:      cfg.Session.ActionTimeout,
		NavigationTimeout:  cfg.Session.NavigationTimeout,
		CaptureScreenshots: cfg.Session.CaptureScreenshots,
	}, log)

	sessions := session.NewManager(contexts, scripts, exec, prereq.NewRunner(exec, log), shots, session.Options{
		ExecutionCost:             cfg.Session.ExecutionCost,
		SetupCost:                 cfg.Session.SetupCost,
		MaxIterations:             cfg.Session.MaxIterations,
		IdleTimeout:               cfg.Pool.IdleTimeout,
		SetupPollInterval:         cfg.Session.SetupPollInterval,
		SetupMaxPolls:             cfg.Session.SetupMaxPolls,
		SweepInterval:             cfg.Session.SweepInterval,
		Retention:                 cfg.Session.Retention,
		ContinuousInterval:        cfg.Session.ContinuousInterval,
		RequireManualConfirmation: cfg.Session.RequireManualConfirmation,
	}, log)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go sessions.Run(runCtx)

	handler := api.NewHandler(sessions, shots, contexts, log)
	router := handler.SetupRoutes(
		proxy.NewServer(sessions, log),
		ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst),
		cfg.RateLimit.RequestsPerHour,
	)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// execute-step can wait on a slow page and status?wait=true on setup
		WriteTimeout: cfg.SetupTimeout() + cfg.Session.NavigationTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Addr),
			zap.String("driver", cfg.Browser.Driver),
			zap.String("launcher", cfg.Browser.Launcher),
			zap.Int("max_contexts", cfg.Pool.MaxContexts))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server forced to shut down", zap.Error(err))
	}
	stopRun()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to close every browser context", zap.Error(err))
	}

	log.Info("server stopped cleanly")
	return nil
}

func newLauncher(ctx context.Context, cfg config.BrowserConfig, log *zap.Logger) (browser.Launcher, error) {
	if cfg.Launcher != "docker" {
		return browser.LocalLauncher{}, nil
	}

	docker, err := browser.NewDockerLauncher(browser.DockerOptions{
		Image: cfg.DockerImage,
		Host:  cfg.DockerHost,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker launcher: %w", err)
	}

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	log.Info("ensuring browser image is available", zap.String("image", cfg.DockerImage))
	if err := docker.EnsureImage(pullCtx); err != nil {
		docker.Close()
		return nil, fmt.Errorf("failed to ensure browser image: %w", err)
	}

	removed, err := docker.RemoveOrphans(pullCtx)
	if err != nil {
		log.Warn("failed to remove leftover browser containers", zap.Error(err))
	} else if removed > 0 {
		log.Info("removed leftover browser containers", zap.Int("count", removed))
	}

	return docker, nil
}
