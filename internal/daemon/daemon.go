// Package daemon assembles and runs the long-lived process: store, sandbox
// runner, control socket server, scheduler loop, and the optional binary
// reload watcher, all under one supervisor.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"hermit/internal/config"
	"hermit/internal/reload"
	"hermit/internal/runtime/supervisor"
	"hermit/internal/sandbox"
	"hermit/internal/scheduler"
	"hermit/internal/server"
	"hermit/internal/storage"
	"hermit/internal/transcript"
	"hermit/pkg/logx"
)

const shutdownGrace = 15 * time.Second

type Options struct {
	// Force replaces a stale socket file instead of refusing to start.
	Force bool

	// Reload watches the binary and re-execs on change.
	Reload bool
}

// Run blocks until SIGINT/SIGTERM or a fatal component error.
func Run(parent context.Context, cfg *config.Config, opts Options) error {
	interval, err := cfg.SchedulerInterval()
	if err != nil {
		return err
	}
	timeout, err := cfg.SandboxTimeout()
	if err != nil {
		return err
	}

	log, closeLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storage.Config{
		Path:        cfg.DBPath(),
		GroupsDir:   cfg.GroupsDir(),
		BusyTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	hist := transcript.New(cfg.GroupsDir())
	runner := sandbox.New(sandbox.Config{
		Timeout:       timeout,
		Binary:        cfg.SandboxBinary(),
		Bwrap:         cfg.BwrapPath(),
		ClaudeDir:     cfg.ClaudeDir(),
		ToolsDir:      cfg.ToolsDir(),
		ToolConfigDir: cfg.ToolConfigDir(),
	}, log)

	srv := server.New(server.Config{
		SocketPath: cfg.SocketPath(),
		Force:      opts.Force,
	}, store, hist, runner, log)
	if err := srv.Listen(); err != nil {
		return err
	}

	if err := writePIDFile(cfg.PIDFile()); err != nil {
		return err
	}
	defer func() { _ = os.Remove(cfg.PIDFile()) }()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log),
		supervisor.WithCancelOnError(true),
	)
	sup.Go("server", srv.Serve)

	sched := scheduler.New(scheduler.Config{Interval: interval}, store, hist, runner, log)
	sup.GoRestart("scheduler", sched.Run)

	if opts.Reload {
		w, err := reload.New([]string{cfg.SocketPath(), cfg.PIDFile()}, log)
		if err != nil {
			return err
		}
		sup.Go("reload", w.Run)
	}

	// Under a Type=notify unit, readiness gates dependent units on the
	// socket actually being bound.
	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	}
	log.Info("daemon ready",
		logx.String("socket", cfg.SocketPath()),
		logx.Int("pid", os.Getpid()),
		logx.Duration("interval", interval))

	<-sup.Context().Done()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		return err
	}
	return nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
