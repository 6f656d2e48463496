// Command mount-efs mounts a file system, optionally through an encrypted
// tunnel. It is invoked by mount(8) as "mount -t efs fs-id[:/path] dir".
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/imds"
	"github.com/marmos91/efsmount/pkg/mounthelper"
	"github.com/spf13/pflag"
)

const usage = "Usage: mount-efs [--config path] [-o options] <fs-id[:/path]> <mount-point>"

// mounter performs a mount request.
type mounter interface {
	Mount(ctx context.Context, req mounthelper.Request) error
}

// newMounter wires the production helper for cfg.
func newMounter(cfg *config.Config) mounter {
	metadata := imds.NewClient(imds.ConfigFrom(cfg))
	return &mounthelper.Helper{
		Config:      cfg,
		Credentials: credentials.NewResolver(cfg, credentials.NewProvider(cfg), metadata, nil),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, newMounter)
	stop()
	os.Exit(code)
}

// run executes one mount-efs invocation and returns the exit code. Errors
// are reported on stderr; stdout is left to mount(8).
func run(ctx context.Context, args []string, stderr io.Writer, build func(*config.Config) mounter) int {
	flags := pflag.NewFlagSet("mount-efs", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		_, _ = fmt.Fprintln(stderr, usage)
		flags.PrintDefaults()
	}

	configPath := flags.String("config", config.DefaultConfigPath, "Path to the configuration file")
	options := flags.StringArrayP("options", "o", nil, "Mount options, comma separated (repeatable)")
	logLevel := flags.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	// mount(8) passes these through; they have no effect here
	_ = flags.BoolP("sloppy", "s", false, "Tolerate unknown options")
	_ = flags.BoolP("verbose", "v", false, "Verbose output")
	_ = flags.BoolP("no-mtab", "n", false, "Do not update mtab")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mount-efs: %v\n", err)
		return 1
	}

	closeLog, err := setupLogging(cfg, *logLevel, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mount-efs: %v\n", err)
		return 1
	}
	defer func() { _ = closeLog.Close() }()

	req := mounthelper.Request{
		Device:     flags.Arg(0),
		MountPoint: flags.Arg(1),
		Options:    strings.Join(*options, ","),
	}
	logger.Info("Mounting %s on %s (options: %q)", req.Device, req.MountPoint, req.Options)

	if err := build(cfg).Mount(ctx, req); err != nil {
		var notFound *credentials.ProfileNotFoundError
		if errors.As(err, &notFound) {
			logger.Error("%v", notFound)
			_, _ = fmt.Fprintf(stderr, "mount-efs: %v\n", notFound)
			return 1
		}

		logger.Error("Failed to mount %s on %s: %v", req.Device, req.MountPoint, err)
		_, _ = fmt.Fprintf(stderr, "mount-efs: failed to mount %s on %s: %v\n", req.Device, req.MountPoint, err)
		return 1
	}

	logger.Info("Mounted %s on %s", req.Device, req.MountPoint)
	return 0
}

// setupLogging applies the [logging] section. The helper never logs to
// stdout: a configured "stdout" output goes to stderr instead.
func setupLogging(cfg *config.Config, levelOverride string, stderr io.Writer) (io.Closer, error) {
	level := cfg.Settings.Logging.Level
	if levelOverride != "" {
		level = levelOverride
	}
	logger.SetLevel(level)
	logger.SetFormat(cfg.Settings.Logging.Format)

	switch strings.ToLower(cfg.Settings.Logging.Output) {
	case "", "stdout", "stderr":
		logger.SetOutput(stderr)
		return io.NopCloser(nil), nil
	default:
		return logger.OpenOutput(cfg.Settings.Logging.Output)
	}
}
