package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/feishurelay/internal/feishu"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <chat_id> <message...>",
	Short: "Send a text message to a Feishu chat",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "Request timeout")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	chatID := strings.TrimSpace(args[0])
	text := strings.Join(args[1:], " ")

	httpClient := &http.Client{Timeout: cfg.Feishu.HTTPTimeout}
	tokens := feishu.NewTokenCache(feishu.TokenCacheOptions{
		AppID:      cfg.Feishu.AppID,
		AppSecret:  cfg.Feishu.AppSecret,
		BaseURL:    cfg.Feishu.APIBase,
		Path:       cfg.Feishu.TokenPath,
		Margin:     cfg.Feishu.TokenMargin,
		HTTPClient: httpClient,
	})
	client := feishu.NewClient(cfg.Feishu.APIBase, tokens, httpClient)

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()
	if err := client.SendText(ctx, chatID, text, ""); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", check(true), chatID)
	return nil
}
