package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KafClaw/feishurelay/internal/agent"
	"github.com/KafClaw/feishurelay/internal/config"
	"github.com/KafClaw/feishurelay/internal/docsearch"
	"github.com/KafClaw/feishurelay/internal/feishu"
	"github.com/KafClaw/feishurelay/internal/logging"
	"github.com/KafClaw/feishurelay/internal/relay"
	"github.com/KafClaw/feishurelay/internal/timeline"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook relay server",
	RunE:  runServe,
}

var (
	loadConfigFn      = config.Load
	serveSignalNotify = signal.Notify
	serveSignalStop   = signal.Stop
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Color)
	if err := cfg.Validate(); err != nil {
		return err
	}
	printHeader(cmd.OutOrStdout(), "🚀 feishurelay serve")

	app, err := newRelayApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", srv.Addr, "doc_search", cfg.DocSearch.Enabled, "store", cfg.Relay.StorePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer serveSignalStop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if err := app.relay.Drain(ctx); err != nil {
		slog.Warn("in-flight messages abandoned", "error", err)
	}
	slog.Info("relay stopped")
	return nil
}

// relayApp is the wired relay and everything it owns.
type relayApp struct {
	relay    *relay.Relay
	tokens   *feishu.TokenCache
	client   *feishu.Client
	store    *timeline.TimelineService
	searcher *docsearch.MCPSearcher
}

func newRelayApp(cfg *config.Config) (*relayApp, error) {
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
	app := &relayApp{tokens: tokens, client: client}

	opts := relay.Options{
		VerificationToken:  cfg.Feishu.VerificationToken,
		EncryptKey:         cfg.Feishu.EncryptKey,
		SignatureTolerance: cfg.Feishu.SignatureTolerance,
		Agent:              agent.NewClient(cfg.Agent.Endpoint, cfg.Agent.APIKey, cfg.Agent.Timeout, nil),
		Messenger:          client,
		History:            client,
		HistoryLimit:       cfg.Relay.HistoryLimit,
		Tokens:             tokens,
		FallbackReply:      cfg.Agent.FallbackReply,
		AllowedUsers:       cfg.Relay.AllowedUsers,
		MaxMessageAge:      cfg.Relay.MaxMessageAge,
		DedupeTTL:          cfg.Relay.DedupeTTL,
		MaxConcurrent:      cfg.Relay.MaxConcurrent,
		ReplyInThread:      cfg.Relay.ReplyInThread,
	}

	if cfg.Relay.StorePath != "" {
		store, err := timeline.NewTimelineService(cfg.Relay.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		app.store = store
		opts.Store = store
	}

	if cfg.DocSearch.Enabled {
		app.searcher = docsearch.NewMCPSearcher(docsearch.MCPSearcherOptions{
			Command: cfg.DocSearch.Command,
			Args:    cfg.DocSearchArgs(),
			Tool:    cfg.DocSearch.Tool,
		})
		opts.Enricher = docsearch.NewStage(docsearch.StageOptions{
			Enabled:  true,
			Keywords: cfg.DocSearch.Keywords,
			Searcher: app.searcher,
			Count:    cfg.DocSearch.Count,
			Timeout:  cfg.DocSearch.Timeout,
			MaxChars: cfg.DocSearch.MaxChars,
		})
	}

	r, err := relay.New(opts)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.relay = r
	return app, nil
}

func (a *relayApp) Close() {
	if a.searcher != nil {
		if err := a.searcher.Close(); err != nil {
			slog.Debug("doc search shutdown", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
