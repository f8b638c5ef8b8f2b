package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/KafClaw/feishurelay/internal/config"
	"github.com/KafClaw/feishurelay/internal/logging"
	"github.com/KafClaw/feishurelay/internal/supervisor"
	"github.com/KafClaw/feishurelay/internal/timeline"
	"github.com/spf13/cobra"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Keep the relay (and optional agent) running, relaunching on exit",
	RunE:  runSupervise,
}

var superviseOnce bool

var (
	executableFn  = os.Executable
	superviseRun  = func(ctx context.Context, s *supervisor.Supervisor) error { return s.Run(ctx) }
	launcherForFn = func(cfg *config.Config) supervisor.Launcher {
		return supervisor.ExecLauncher{LogPath: cfg.Supervisor.LogPath}
	}
)

func init() {
	superviseCmd.Flags().BoolVar(&superviseOnce, "once", false, "Run a single check cycle and exit")
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Color)
	printHeader(cmd.OutOrStdout(), "🛡️ feishurelay supervise")

	specs, err := supervisedProcesses(cfg)
	if err != nil {
		return err
	}

	var store supervisor.EventStore
	if cfg.Relay.StorePath != "" {
		svc, err := timeline.NewTimelineService(cfg.Relay.StorePath)
		if err != nil {
			slog.Warn("supervisor history disabled", "error", err)
		} else {
			defer svc.Close()
			store = svc
		}
	}

	lockDir := filepath.Dir(cfg.Relay.StorePath)
	if cfg.Relay.StorePath == "" {
		lockDir = os.TempDir()
	}
	if err := config.EnsureDir(lockDir); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	lockPath := filepath.Join(lockDir, "supervisor.lock")
	lock := supervisor.NewFileLock(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor lock: %w", err)
	}
	if !ok {
		if pid := supervisor.LockHolder(lockPath); pid > 0 {
			return fmt.Errorf("another supervisor is already running (pid %d)", pid)
		}
		return errors.New("another supervisor is already running")
	}
	defer lock.Unlock()

	sup, err := supervisor.New(supervisor.Options{
		Processes: specs,
		Launcher:  launcherForFn(cfg),
		Probe:     supervisor.ProcTableProbe{},
		Store:     store,
		Interval:  cfg.Supervisor.Interval,
		Settle:    cfg.Supervisor.Settle,
		StopGrace: cfg.Supervisor.StopGrace,
	})
	if err != nil {
		return err
	}
	for _, s := range specs {
		fmt.Fprintf(cmd.OutOrStdout(), "Watching: %s\n", s)
	}

	if superviseOnce {
		sup.Check(cmd.Context())
		return nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return superviseRun(ctx, sup)
}

func supervisedProcesses(cfg *config.Config) ([]supervisor.Spec, error) {
	relayCmd := cfg.Supervisor.RelayCommand
	if len(relayCmd) == 0 {
		self, err := executableFn()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		relayCmd = []string{self, "serve"}
	}
	specs := []supervisor.Spec{{Name: "relay", Command: relayCmd}}
	if len(cfg.Supervisor.AgentCommand) > 0 {
		specs = append(specs, supervisor.Spec{Name: "agent", Command: cfg.Supervisor.AgentCommand})
	}
	return specs, nil
}
