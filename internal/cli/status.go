package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KafClaw/feishurelay/internal/config"
	"github.com/KafClaw/feishurelay/internal/timeline"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ feishurelay Version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, recent relay outcomes and supervisor history",
	RunE:  runStatus,
}

var statusLimit int

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of history entries to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 feishurelay Status")
	fmt.Fprintf(out, "Version: %s\n", version)

	if path, err := config.ConfigPath(); err == nil {
		_, statErr := os.Stat(path)
		fmt.Fprintf(out, "Config:  %s %s\n", check(statErr == nil), path)
	}
	cfg, err := loadConfigFn()
	if err != nil {
		fmt.Fprintf(out, "Config:  %s unable to load (%v)\n", check(false), err)
		return err
	}
	for _, f := range cfg.EnvFiles {
		fmt.Fprintf(out, "Env:     %s\n", f)
	}
	fmt.Fprintf(out, "App ID:  %s %s\n", check(cfg.Feishu.AppID != ""), mask(cfg.Feishu.AppID))
	fmt.Fprintf(out, "Secret:  %s\n", check(cfg.Feishu.AppSecret != ""))
	fmt.Fprintf(out, "Encrypt: %s\n", check(cfg.Feishu.EncryptKey != ""))
	fmt.Fprintf(out, "Agent:   %s\n", cfg.Agent.Endpoint)
	fmt.Fprintf(out, "Listen:  %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "Search:  %s\n", check(cfg.DocSearch.Enabled))

	if cfg.Relay.StorePath == "" {
		fmt.Fprintln(out, "Store:   disabled")
		return nil
	}
	if _, err := os.Stat(cfg.Relay.StorePath); err != nil {
		fmt.Fprintf(out, "Store:   %s not created yet (%s)\n", check(false), cfg.Relay.StorePath)
		return nil
	}
	store, err := timeline.NewTimelineService(cfg.Relay.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	fmt.Fprintf(out, "Store:   %s %s\n", check(true), cfg.Relay.StorePath)

	counts, err := store.OutcomeCounts(nowFn().Add(-24 * time.Hour))
	if err != nil {
		return fmt.Errorf("outcome counts: %w", err)
	}
	fmt.Fprintln(out, "\nLast 24h:")
	for _, outcome := range []string{timeline.OutcomeSent, timeline.OutcomeFallback, timeline.OutcomeFailed, timeline.OutcomeRejected, timeline.OutcomeDropped} {
		fmt.Fprintf(out, "  %-9s %d\n", outcome, counts[outcome])
	}

	reqs, err := store.RecentRequests(statusLimit)
	if err != nil {
		return fmt.Errorf("recent requests: %w", err)
	}
	if len(reqs) > 0 {
		fmt.Fprintln(out, "\nRecent requests:")
		for _, r := range reqs {
			line := fmt.Sprintf("  %s  %-8s %-9s chat=%s %dms", r.CreatedAt.Local().Format(time.DateTime), r.Outcome, r.Stage, r.ChatID, r.Duration)
			if r.Error != "" {
				line += "  " + truncateLine(r.Error, 80)
			}
			fmt.Fprintln(out, line)
		}
	}

	events, err := store.RecentSupervisorEvents(statusLimit, false)
	if err != nil {
		return fmt.Errorf("supervisor events: %w", err)
	}
	if len(events) > 0 {
		fmt.Fprintln(out, "\nSupervisor:")
		for _, e := range events {
			fmt.Fprintf(out, "  %s  %-13s %-6s pid=%d restarts=%d %s\n",
				e.At.Local().Format(time.DateTime), e.Kind, e.Name, e.PID, e.RestartCount, truncateLine(e.Detail, 60))
		}
	}
	return nil
}

var nowFn = time.Now

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
