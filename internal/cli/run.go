package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumidm/lumidm/internal/childproc"
	"github.com/lumidm/lumidm/internal/config"
	"github.com/lumidm/lumidm/internal/displayserver"
	"github.com/lumidm/lumidm/internal/dm"
	"github.com/lumidm/lumidm/internal/logging"
	"github.com/lumidm/lumidm/internal/pamauth"
	"github.com/lumidm/lumidm/internal/seat"
	"github.com/lumidm/lumidm/internal/tracking"
	"github.com/lumidm/lumidm/internal/users"
	"github.com/lumidm/lumidm/internal/vt"
)

// defaultConfigPaths are read in order; later files override earlier
// ones.
var defaultConfigPaths = []string{
	"/usr/share/lumidm/lumidm.conf",
	"/etc/lumidm/lumidm.conf",
}

type runFlags struct {
	configPaths []string
	debug       bool
	testMode    bool
	pidFile     string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the display manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, flags)
		},
	}
	cmd.Flags().StringArrayVar(&flags.configPaths, "config", nil, "Extra configuration file, highest priority last (repeatable)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Log debug messages")
	cmd.Flags().BoolVar(&flags.testMode, "test-mode", false, "Run unprivileged with the file credential backend")
	cmd.Flags().StringVar(&flags.pidFile, "pid-file", "", "Write the daemon pid here (overrides pid-file in the config)")
	return cmd
}

func runDaemon(cmd *cobra.Command, flags *runFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(append(defaultConfigPaths, flags.configPaths...), nil)
	if err != nil {
		return configError(err)
	}

	logDir := stringKey(cfg, "log-directory", "/var/log/lumidm")
	runDir := stringKey(cfg, "run-directory", "/var/run/lumidm")
	cacheDir := stringKey(cfg, "cache-directory", "/var/cache/lumidm")
	for _, dir := range []string{logDir, runDir, cacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	level := cfg.GetString(config.SectionDaemon, "log-level")
	if flags.debug {
		level = "debug"
	}
	backupLogs := true
	if cfg.HasKey(config.SectionDaemon, "backup-logs") {
		backupLogs = cfg.GetBoolean(config.SectionDaemon, "backup-logs")
	}
	logger, logLevel, logCloser, err := logging.Setup(logging.Config{
		Directory:  logDir,
		FileName:   "lumidm.log",
		Level:      level,
		BackupLogs: backupLogs,
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	pidFile := flags.pidFile
	if pidFile == "" {
		pidFile = cfg.GetString(config.SectionDaemon, "pid-file")
	}
	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			return err
		}
		defer os.Remove(pidFile)
	}

	backend, err := buildBackend(cfg, flags.testMode)
	if err != nil {
		return configError(err)
	}

	logMode := logging.ModeBackupAndTruncate
	if !backupLogs {
		logMode = logging.ModeAppend
	}

	monitor := childproc.NewMonitor(logger)

	registry := buildRegistry(cfg, runDir, logger)
	defer registry.Close()

	minVT := cfg.GetInteger(config.SectionDaemon, "minimum-vt")
	if minVT <= 0 {
		minVT = vt.MinimumDefault
	}
	minDisplay := cfg.GetInteger(config.SectionDaemon, "minimum-display-number")

	deps := seat.Deps{
		Monitor:     monitor,
		Backend:     backend,
		Users:       users.NewSystem(),
		Registry:    registry,
		VTs:         vt.NewTable(minVT, vt.NewSystemConsole(logger), logger),
		Numbers:     displayserver.NewNumberAllocator(minDisplay, "/tmp", logger),
		Drivers:     seat.DefaultDrivers(),
		LogDir:      logDir,
		RunDir:      runDir,
		CacheDir:    cacheDir,
		SessionDirs: listKey(cfg, "sessions-directory", []string{"/usr/share/lumidm/sessions", "/usr/share/xsessions"}),
		GreeterDirs: listKey(cfg, "greeters-directory", []string{"/usr/share/lumidm/greeters", "/usr/share/xgreeters"}),
		LogMode:     logMode,
	}

	manager := dm.New(deps, cfg, logger)

	done := make(chan struct{})
	events := dm.FanoutEvents{&stopNotifier{done: done}}
	if bus, err := dm.PublishBus(nil, manager, monitor, logger); err != nil {
		logger.Warn("running without the D-Bus control surface", "error", err)
	} else {
		defer bus.Close()
		events = append(dm.FanoutEvents{bus}, events...)
	}
	manager.SetEvents(events)

	monitor.Parent().AddWatcher(&daemonSignals{
		logger:    logger,
		level:     logLevel,
		baseLevel: logging.ParseLevel(level),
		stop:      func() { monitor.Post(manager.Stop) },
	})
	if err := monitor.WatchSignals(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2); err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}

	logger.Info("starting lumidm", "pid", os.Getpid())
	monitor.Post(func() {
		if err := manager.Start(); err != nil {
			logger.Error("startup failed", "error", err)
			manager.Stop()
		}
	})

	go func() {
		<-done
		cancel()
	}()
	monitor.Run(ctx)
	return nil
}

// stopNotifier turns the manager's terminal event into a channel close.
type stopNotifier struct {
	dm.FanoutEvents
	done chan struct{}
}

func (n *stopNotifier) Stopped() { close(n.done) }

// daemonSignals maps process signals to daemon actions: TERM/INT stop,
// USR1 turns debug logging on, USR2 restores the configured level.
type daemonSignals struct {
	childproc.NopWatcher
	logger    *slog.Logger
	level     *slog.LevelVar
	baseLevel slog.Level
	stop      func()
}

func (w *daemonSignals) GotSignal(p *childproc.Process, sig syscall.Signal, fromPID int) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		w.logger.Info("received signal, shutting down", "signal", sig.String())
		w.stop()
	case syscall.SIGUSR1:
		w.level.Set(slog.LevelDebug)
		w.logger.Info("debug logging enabled")
	case syscall.SIGUSR2:
		w.level.Set(w.baseLevel)
		w.logger.Info("debug logging disabled")
	}
}

func buildBackend(cfg *config.Config, testMode bool) (pamauth.Backend, error) {
	if testMode {
		path := cfg.GetString(config.SectionDaemon, "credentials-file")
		if path == "" {
			return nil, fmt.Errorf("test mode needs credentials-file set in [%s]", config.SectionDaemon)
		}
		return pamauth.NewFileBackend(path)
	}
	return pamauth.NewPAMBackend()
}

// buildRegistry prefers logind when asked for, falling back to the
// local store so session tracking never silently disappears.
func buildRegistry(cfg *config.Config, runDir string, logger *slog.Logger) tracking.Registry {
	if cfg.GetString(config.SectionDaemon, "session-registry") == "logind" {
		l, err := tracking.NewLogind(logger)
		if err == nil {
			return l
		}
		logger.Warn("logind unavailable, falling back to local session store", "error", err)
	}
	store, err := tracking.Open(runDir + "/sessions.db")
	if err != nil {
		logger.Warn("cannot open session store, tracking disabled", "error", err)
		return tracking.Discard()
	}
	return store
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func stringKey(cfg *config.Config, key, fallback string) string {
	if v := cfg.GetString(config.SectionDaemon, key); v != "" {
		return v
	}
	return fallback
}

func listKey(cfg *config.Config, key string, fallback []string) []string {
	if v := cfg.GetStringList(config.SectionDaemon, key); len(v) > 0 {
		return v
	}
	return fallback
}
