package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/feishurelay/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  __      _     _                _\n" +
		" / _| ___(_)___| |__  _   _ _ __| | __ _ _   _\n" +
		"| |_ / _ \\ / __| '_ \\| | | | '__| |/ _` | | | |\n" +
		"|  _|  __/ \\__ \\ | | | |_| | |  | | (_| | |_| |\n" +
		"|_|  \\___|_|___/_| |_|\\__,_|_|  |_|\\__,_|\\__, |\n" +
		"                                         |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "feishurelay",
	Short: "feishurelay - Feishu bot to agent relay",
	Long:  color.CyanString(logo) + "\nRelays Feishu chat messages to a conversational agent and posts the answers back.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(secretsCmd)
}
