package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/feishurelay/internal/config"
	"github.com/spf13/cobra"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage secrets stored in the OS keyring",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store a secret (value read from stdin when omitted)",
	Long:  "Store a secret in the OS keyring. Valid names: " + strings.Join(config.SecretNames, ", "),
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSecretsSet,
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret from the OS keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s\n", check(true), args[0])
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsDeleteCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no value given on stdin")
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if err := config.SetSecret(name, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s stored %s in keyring service %q\n", check(true), name, config.KeyringService)
	return nil
}
