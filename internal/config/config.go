// Package config provides configuration types and loading for feishurelay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Feishu, Agent, Server, Log, Relay, DocSearch, Supervisor.
type Config struct {
	Feishu     FeishuConfig     `json:"feishu"`
	Agent      AgentConfig      `json:"agent"`
	Server     ServerConfig     `json:"server"`
	Log        LogConfig        `json:"log"`
	Relay      RelayConfig      `json:"relay"`
	DocSearch  DocSearchConfig  `json:"docSearch"`
	Supervisor SupervisorConfig `json:"supervisor"`

	// EnvFiles lists the env files Load applied.
	EnvFiles []string `json:"-"`
}

// ---------------------------------------------------------------------------
// Feishu – bot credentials and platform API
// ---------------------------------------------------------------------------

// FeishuConfig configures the Feishu bot application.
type FeishuConfig struct {
	AppID              string        `json:"appId" envconfig:"FEISHU_APP_ID"`
	AppSecret          string        `json:"appSecret" envconfig:"FEISHU_APP_SECRET"`
	VerificationToken  string        `json:"verificationToken" envconfig:"FEISHU_VERIFICATION_TOKEN"`
	EncryptKey         string        `json:"encryptKey" envconfig:"FEISHU_ENCRYPT_KEY"`
	APIBase            string        `json:"apiBase" envconfig:"FEISHU_API_BASE"`
	TokenPath          string        `json:"tokenPath" envconfig:"FEISHU_TOKEN_PATH"`
	SignatureTolerance time.Duration `json:"signatureTolerance" envconfig:"FEISHU_SIGNATURE_TOLERANCE"`
	TokenMargin        time.Duration `json:"tokenMargin" envconfig:"FEISHU_TOKEN_MARGIN"`
	HTTPTimeout        time.Duration `json:"httpTimeout" envconfig:"FEISHU_HTTP_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Agent – conversational agent HTTP API
// ---------------------------------------------------------------------------

// AgentConfig configures the conversational agent endpoint.
type AgentConfig struct {
	Endpoint      string        `json:"endpoint" envconfig:"QODER_API_ENDPOINT"`
	APIKey        string        `json:"apiKey" envconfig:"QODER_API_KEY"`
	Timeout       time.Duration `json:"timeout" envconfig:"QODER_TIMEOUT"`
	FallbackReply string        `json:"fallbackReply" envconfig:"QODER_FALLBACK_REPLY"`
}

// ---------------------------------------------------------------------------
// Server – webhook HTTP listener
// ---------------------------------------------------------------------------

// ServerConfig contains webhook server settings.
type ServerConfig struct {
	Host            string        `json:"host" envconfig:"SERVER_HOST"`
	Port            int           `json:"port" envconfig:"SERVER_PORT"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level string `json:"level" envconfig:"LOG_LEVEL"`
	Color bool   `json:"color" envconfig:"LOG_COLOR"`
}

// ---------------------------------------------------------------------------
// Relay – message pipeline behaviour
// ---------------------------------------------------------------------------

// RelayConfig contains message relay settings.
type RelayConfig struct {
	AllowedUsers  []string      `json:"allowedUsers" envconfig:"RELAY_ALLOWED_USERS"`
	MaxMessageAge time.Duration `json:"maxMessageAge" envconfig:"RELAY_MAX_MESSAGE_AGE"`
	DedupeTTL     time.Duration `json:"dedupeTtl" envconfig:"RELAY_DEDUPE_TTL"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"RELAY_MAX_CONCURRENT"`
	HistoryLimit  int           `json:"historyLimit" envconfig:"RELAY_HISTORY_LIMIT"`
	ReplyInThread bool          `json:"replyInThread" envconfig:"RELAY_REPLY_IN_THREAD"`
	StorePath     string        `json:"storePath" envconfig:"RELAY_STORE_PATH"`
}

// ---------------------------------------------------------------------------
// DocSearch – keyword-triggered document enrichment
// ---------------------------------------------------------------------------

// DocSearchConfig configures the optional document-search enrichment step.
type DocSearchConfig struct {
	Enabled  bool          `json:"enabled" envconfig:"DOC_SEARCH_ENABLED"`
	Keywords []string      `json:"keywords" envconfig:"DOC_SEARCH_KEYWORDS"`
	Command  string        `json:"command" envconfig:"DOC_SEARCH_COMMAND"`
	Args     []string      `json:"args" envconfig:"DOC_SEARCH_ARGS"`
	Tool     string        `json:"tool" envconfig:"DOC_SEARCH_TOOL"`
	Count    int           `json:"count" envconfig:"DOC_SEARCH_COUNT"`
	Timeout  time.Duration `json:"timeout" envconfig:"DOC_SEARCH_TIMEOUT"`
	MaxChars int           `json:"maxChars" envconfig:"DOC_SEARCH_MAX_CHARS"`
}

// ---------------------------------------------------------------------------
// Supervisor – process watchdog
// ---------------------------------------------------------------------------

// SupervisorConfig contains watchdog settings.
type SupervisorConfig struct {
	Interval     time.Duration `json:"interval" envconfig:"SUPERVISOR_INTERVAL"`
	Settle       time.Duration `json:"settle" envconfig:"SUPERVISOR_SETTLE"`
	StopGrace    time.Duration `json:"stopGrace" envconfig:"SUPERVISOR_STOP_GRACE"`
	RelayCommand []string      `json:"relayCommand" envconfig:"SUPERVISOR_RELAY_COMMAND"`
	AgentCommand []string      `json:"agentCommand" envconfig:"SUPERVISOR_AGENT_COMMAND"`
	LogPath      string        `json:"logPath" envconfig:"SUPERVISOR_LOG_PATH"`
}

// DefaultKeywords are the trigger words that route a message through document search.
var DefaultKeywords = []string{
	"文档", "知识库", "wiki", "查一下", "搜索", "找一下", "帮我查",
	"资料", "教程", "手册", "查找", "查询", "检索", "参考资料",
	"项目文档", "技术文档", "产品文档", "需求文档", "设计文档",
	"流程", "规范", "指南", "最佳实践",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Feishu: FeishuConfig{
			APIBase:            "https://open.feishu.cn/open-apis",
			TokenPath:          "/auth/v3/tenant_access_token/internal",
			SignatureTolerance: 5 * time.Minute,
			TokenMargin:        5 * time.Minute,
			HTTPTimeout:        10 * time.Second,
		},
		Agent: AgentConfig{
			Endpoint:      "http://127.0.0.1:8081/api/chat",
			Timeout:       60 * time.Second,
			FallbackReply: "service unavailable, please retry",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5004,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Relay: RelayConfig{
			MaxMessageAge: 2 * time.Minute,
			DedupeTTL:     10 * time.Minute,
			MaxConcurrent: 4,
			StorePath:     "~/.feishurelay/relay.db",
		},
		DocSearch: DocSearchConfig{
			Enabled:  false,
			Keywords: append([]string(nil), DefaultKeywords...),
			Command:  "npx",
			Tool:     "wiki_v1_node_search",
			Count:    3,
			Timeout:  15 * time.Second,
			MaxChars: 4000,
		},
		Supervisor: SupervisorConfig{
			Interval:  30 * time.Second,
			Settle:    2 * time.Second,
			StopGrace: 5 * time.Second,
		},
	}
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Feishu.AppID) == "" {
		errs = append(errs, errors.New("FEISHU_APP_ID is required"))
	}
	if strings.TrimSpace(c.Feishu.AppSecret) == "" {
		errs = append(errs, errors.New("FEISHU_APP_SECRET is required"))
	}
	if strings.TrimSpace(c.Agent.Endpoint) == "" {
		errs = append(errs, errors.New("QODER_API_ENDPOINT is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// DocSearchArgs returns the MCP client arguments, deriving the lark-mcp
// invocation from the app credentials when none are configured.
func (c *Config) DocSearchArgs() []string {
	if len(c.DocSearch.Args) > 0 {
		return c.DocSearch.Args
	}
	return []string{"-y", "@larksuiteoapi/lark-mcp", "mcp", "-a", c.Feishu.AppID, "-s", c.Feishu.AppSecret}
}
