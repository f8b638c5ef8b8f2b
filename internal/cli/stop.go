package cli

import (
	"fmt"

	"github.com/KafClaw/feishurelay/internal/supervisor"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Force-stop running supervisor and relay processes",
	RunE:  runStop,
}

var stopPatterns []string

var killByNameFn = supervisor.KillByName

func init() {
	stopCmd.Flags().StringSliceVar(&stopPatterns, "pattern", []string{"feishurelay supervise", "feishurelay serve"}, "Command-line substrings to match")
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	total := 0
	// Supervisor first, or it relaunches the relay.
	for _, pattern := range stopPatterns {
		pids, err := killByNameFn(pattern)
		for _, pid := range pids {
			fmt.Fprintf(out, "%s killed %d (%s)\n", check(true), pid, pattern)
		}
		total += len(pids)
		if err != nil {
			return fmt.Errorf("stop %q: %w", pattern, err)
		}
	}
	if total == 0 {
		fmt.Fprintln(out, "No matching processes.")
	}
	return nil
}
