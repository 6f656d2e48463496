// Command efs-watchdog supervises the tunnels of TLS mounts. The mount
// helper hands each tunnel over through a record in the state directory;
// the watchdog keeps the tunnel healthy until the file system is unmounted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/imds"
	"github.com/marmos91/efsmount/pkg/watchdog"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	mountutils "k8s.io/mount-utils"
)

// shutdownTimeout bounds the detach of every supervisor on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("efs-watchdog", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	configPath := flags.String("config", config.DefaultConfigPath, "Path to the configuration file")
	logLevel := flags.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "efs-watchdog: %v\n", err)
		return 1
	}

	level := cfg.Settings.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(level)
	logger.SetFormat(cfg.Settings.Logging.Format)
	closeLog, err := logger.OpenOutput(cfg.Settings.Logging.Output)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "efs-watchdog: %v\n", err)
		return 1
	}
	defer func() { _ = closeLog.Close() }()

	if !cfg.GetBool(config.SectionWatchdog, config.ItemWatchdogEnabled, true) {
		logger.Info("The watchdog is disabled by configuration, exiting")
		return 0
	}

	if err := serve(ctx, cfg); err != nil {
		logger.Error("%v", err)
		return 1
	}
	return 0
}

// serve runs the watchdog until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	fs := afero.NewOsFs()
	stateDir := cfg.Settings.Mount.StateFileDir

	if err := fs.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	history, err := watchdog.OpenHistory(filepath.Join(stateDir, "history"), watchdog.DefaultHistoryRetention)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Warn("Failed to close history: %v", err)
		}
	}()

	metricsResult := config.InitializeMetrics(cfg)

	metadata := imds.NewClient(imds.ConfigFrom(cfg))
	manager := watchdog.NewManager(watchdog.ManagerConfig{
		Store: watchdog.NewRecordStore(fs, stateDir),
		Factory: &watchdog.TunnelFactory{
			Config:      cfg,
			Fs:          fs,
			Credentials: credentials.NewResolver(cfg, credentials.NewProvider(cfg), metadata, nil),
		},
		History:  history,
		Mounted:  watchdog.MountTable(mountutils.New("")),
		Metrics:  metricsResult.TunnelMetrics,
		Settings: cfg.Settings.Watchdog,
	})

	// serverDone stays nil without a metrics server, which blocks forever
	var serverDone chan error
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if metricsResult.Server != nil {
		status := watchdog.StatusHandler(manager)
		metricsResult.Server.Handle("/status", status)
		metricsResult.Server.Handle("/status/", status)
		serverDone = make(chan error, 1)
		go func() { serverDone <- metricsResult.Server.Start(serverCtx) }()
	}

	logger.Info("Watchdog started (state directory %s, poll interval %s)",
		stateDir, cfg.Settings.Watchdog.PollInterval)
	manager.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-serverDone:
		serverDone = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("Watchdog stop: %v", err)
	}

	if serverDone != nil {
		stopServer()
		if err := <-serverDone; err != nil {
			logger.Warn("%v", err)
		}
	}

	logger.Info("Watchdog stopped; tunnels left running for the next start")
	return serveErr
}
