// Package cmd provides CLI commands for the filedriver binary.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/filedriver/cli/config"
	"github.com/pithecene-io/filedriver/driver"
	"github.com/pithecene-io/filedriver/fsexec"
	"github.com/pithecene-io/filedriver/ipc"
	"github.com/pithecene-io/filedriver/log"
	"github.com/pithecene-io/filedriver/metrics"
	"github.com/pithecene-io/filedriver/types"
)

// Exit codes for serve.
const (
	exitSuccess       = 0
	exitConfigError   = 1
	exitDriverFailure = 2
)

// ServeCommand returns the serve command.
// Effects are read from stdin and pokes written to stdout; logs go to stderr.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve file effects over stdin/stdout",
		Flags:  serveFlags(),
		Action: serveAction,
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to filedriver.yaml",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Confine all paths beneath this directory",
		},
		&cli.BoolFlag{
			Name:  "read-only",
			Usage: "Reject every write",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "file-mode",
			Usage: "Octal permissions for written files (default: 0644)",
		},
		&cli.StringFlag{
			Name:  "dir-mode",
			Usage: "Octal permissions for created directories (default: 0755)",
		},
		&cli.IntFlag{
			Name:  "max-restarts",
			Usage: "Restarts after protocol or delivery failures (0 disables)",
		},
		&cli.DurationFlag{
			Name:  "backoff",
			Usage: "Delay before the first restart, doubled on each restart",
		},
		&cli.StringFlag{
			Name:  "instance-id",
			Usage: "Instance identifier attached to logs and metrics (default: random UUID)",
		},
	}
}

func serveAction(c *cli.Context) error {
	settings, err := resolveSettings(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}
	if err := checkRoot(settings.Root); err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return exitFor(serve(ctx, settings, afero.NewOsFs(), os.Stdin, os.Stdout, os.Stderr))
}

// resolveSettings merges the config file (if any) with explicitly set flags.
// Flags always win. A missing instance ID is generated.
func resolveSettings(c *cli.Context) (config.Settings, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	}

	s, err := cfg.Settings()
	if err != nil {
		return config.Settings{}, err
	}

	if c.IsSet("root") {
		s.Root = c.String("root")
	}
	if c.IsSet("read-only") {
		s.ReadOnly = c.Bool("read-only")
	}
	if c.IsSet("log-level") {
		level, err := log.ParseLevel(c.String("log-level"))
		if err != nil {
			return config.Settings{}, err
		}
		s.LogLevel = level
	}
	if c.IsSet("file-mode") {
		mode, err := config.ParseFileMode(c.String("file-mode"))
		if err != nil {
			return config.Settings{}, fmt.Errorf("--file-mode: %w", err)
		}
		s.FileMode = mode
	}
	if c.IsSet("dir-mode") {
		mode, err := config.ParseFileMode(c.String("dir-mode"))
		if err != nil {
			return config.Settings{}, fmt.Errorf("--dir-mode: %w", err)
		}
		s.DirMode = mode
	}
	if c.IsSet("max-restarts") {
		s.MaxRestarts = c.Int("max-restarts")
	}
	if c.IsSet("backoff") {
		s.Backoff = c.Duration("backoff")
	}
	if c.IsSet("instance-id") {
		s.InstanceID = c.String("instance-id")
	}
	if s.InstanceID == "" {
		s.InstanceID = uuid.NewString()
	}

	return s, s.Validate()
}

func checkRoot(root string) error {
	if root == "" {
		return nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}
	return nil
}

// serve runs a supervised loop over the framed streams until the input
// closes, ctx is canceled, or restarts are exhausted.
func serve(
	ctx context.Context,
	s config.Settings,
	base afero.Fs,
	in io.Reader,
	out io.Writer,
	logOut io.Writer,
) error {
	meta := &types.DriverMeta{Source: types.FileSource, InstanceID: s.InstanceID}
	logger := log.NewLogger(meta).WithOutputLevel(logOut, s.LogLevel)
	defer func() { _ = logger.Sync() }()

	fsOpts := fsexec.FSOptions{Root: s.Root, ReadOnly: s.ReadOnly}
	collector := metrics.NewCollector(types.FileSource, s.InstanceID, fsOpts.Backend())
	loop := driver.NewLoop(
		ipc.NewStreamHandle(in, out),
		fsexec.New(
			fsexec.NewFS(base, fsOpts),
			fsexec.WithFileMode(s.FileMode),
			fsexec.WithDirMode(s.DirMode),
		),
		logger,
		collector,
	)
	supervisor := &driver.Supervisor{
		Loop:        loop,
		MaxRestarts: s.MaxRestarts,
		Backoff:     s.Backoff,
		Logger:      logger,
		Collector:   collector,
	}

	logger.Sugar().Infof("file driver serving (backend=%s, max_restarts=%d)", fsOpts.Backend(), s.MaxRestarts)

	// Reads from the input stream do not observe ctx, so the supervisor
	// runs in its own goroutine and shutdown does not wait for it.
	done := make(chan error, 1)
	go func() { done <- supervisor.Run(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = &driver.LoopError{Kind: driver.LoopErrorCanceled, Err: ctx.Err()}
	}

	fields := collector.Snapshot().Fields()
	if err != nil {
		fields["error"] = err.Error()
	}
	logger.Info("file driver stopped", fields)
	return err
}

// exitFor maps a serve result onto an exit code.
// Cancellation by signal is a clean shutdown. A broken input stream, like
// any other driver failure, exits non-zero.
func exitFor(err error) error {
	if err == nil || driver.IsCanceledError(err) {
		return cli.Exit("", exitSuccess)
	}
	return cli.Exit(fmt.Sprintf("file driver failed: %v", err), exitDriverFailure)
}
