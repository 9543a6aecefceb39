package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultModel                = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens            = 1024
	DefaultMaxToolIterations    = 4
	DefaultDecideMaxTries       = 3
	DefaultSummaryMaxTokens     = 400
	DefaultMaxMessages          = 50
	DefaultSummaryTrigger       = 30
	DefaultMessagesAfterSummary = 5
	DefaultTurnTimeout          = "2m"
	DefaultStoreDriver          = StoreDriverSQLite
	DefaultHost                 = "0.0.0.0"
	DefaultPort                 = 18791
	DefaultBufSize              = 100
	DefaultSweepSchedule        = "0 */5 * * * *"
	DefaultStatsSchedule        = "0 0 * * * *"
	DefaultPruneSchedule        = "0 30 3 * * *"
	DefaultPruneAfterDays       = 30
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMySQL    = "mysql"
	StoreDriverRedis    = "redis"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Summary     SummaryConfig     `json:"summary"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Catalog     CatalogConfig     `json:"catalog"`
	Store       StoreConfig       `json:"store"`
	Channels    ChannelsConfig    `json:"channels"`
	Gateway     GatewayConfig     `json:"gateway"`
	Cron        CronConfig        `json:"cron"`
	Playbooks   PlaybooksConfig   `json:"playbooks"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	MaxTries          int    `json:"maxTries"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SummaryConfig selects the model used for history compaction. Empty fields
// fall back to the agent model and main provider.
type SummaryConfig struct {
	Model     string          `json:"model,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	Provider  *ProviderConfig `json:"provider,omitempty"`
}

type NegotiationConfig struct {
	MaxMessages          int    `json:"maxMessages"`
	SummaryTrigger       int    `json:"summaryTrigger"`
	MessagesAfterSummary int    `json:"messagesAfterSummary"`
	PhrasesPath          string `json:"phrasesPath,omitempty"`
	TurnTimeout          string `json:"turnTimeout,omitempty"`
}

type CatalogConfig struct {
	Path string `json:"path"`
}

type StoreConfig struct {
	Driver string `json:"driver"`
	// DBPath is the sqlite file; DSN is used by postgres, mysql and redis.
	DBPath string `json:"dbPath,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// ChatID receives negotiation outcome notices.
	ChatID int64  `json:"chatId"`
	Proxy  string `json:"proxy,omitempty"`
	// Verbose forwards every message, not only outcomes.
	Verbose bool `json:"verbose,omitempty"`
	// AllowFrom limits who may send commands. Empty allows everyone.
	AllowFrom []string `json:"allowFrom,omitempty"`
}

type WebUIConfig struct {
	Enabled bool `json:"enabled"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// PlaybooksConfig points at negotiation playbooks handed to the agent
// runtimes. Each playbook lives in <dir>/<name>/PLAYBOOK.md.
type PlaybooksConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

type CronConfig struct {
	Sweep          string `json:"sweep,omitempty"`
	Stats          string `json:"stats,omitempty"`
	Prune          string `json:"prune,omitempty"`
	PruneAfterDays int    `json:"pruneAfterDays,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".leasebroker", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			MaxTries:          DefaultDecideMaxTries,
		},
		Provider: ProviderConfig{},
		Summary: SummaryConfig{
			MaxTokens: DefaultSummaryMaxTokens,
		},
		Negotiation: NegotiationConfig{
			MaxMessages:          DefaultMaxMessages,
			SummaryTrigger:       DefaultSummaryTrigger,
			MessagesAfterSummary: DefaultMessagesAfterSummary,
			TurnTimeout:          DefaultTurnTimeout,
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(ConfigDir(), "catalog.yaml"),
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
		},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Cron: CronConfig{
			Sweep:          DefaultSweepSchedule,
			Stats:          DefaultStatsSchedule,
			Prune:          DefaultPruneSchedule,
			PruneAfterDays: DefaultPruneAfterDays,
		},
		Playbooks: PlaybooksConfig{
			Enabled: true,
			Dir:     filepath.Join(ConfigDir(), "playbooks"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".leasebroker")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// SQLitePath resolves the checkpoint database file.
func (c *Config) SQLitePath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "sessions.db")
}

func LoadConfig() (*Config, error) {
	// .env in the working directory is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("LEASEBROKER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("LEASEBROKER_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("LEASEBROKER_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if model := os.Getenv("LEASEBROKER_SUMMARY_MODEL"); model != "" {
		cfg.Summary.Model = model
	}
	if key := os.Getenv("LEASEBROKER_SUMMARY_API_KEY"); key != "" {
		if cfg.Summary.Provider == nil {
			cfg.Summary.Provider = &ProviderConfig{}
		}
		cfg.Summary.Provider.APIKey = key
	}
	if url := os.Getenv("LEASEBROKER_SUMMARY_BASE_URL"); url != "" {
		if cfg.Summary.Provider == nil {
			cfg.Summary.Provider = &ProviderConfig{}
		}
		cfg.Summary.Provider.BaseURL = url
	}
	if path := os.Getenv("LEASEBROKER_CATALOG"); path != "" {
		cfg.Catalog.Path = path
	}
	if driver := os.Getenv("LEASEBROKER_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("LEASEBROKER_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if dbPath := os.Getenv("LEASEBROKER_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if v := os.Getenv("LEASEBROKER_MAX_MESSAGES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Negotiation.MaxMessages = parsed
		}
	}
	if v := os.Getenv("LEASEBROKER_SUMMARY_TRIGGER"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Negotiation.SummaryTrigger = parsed
		}
	}
	if v := os.Getenv("LEASEBROKER_MESSAGES_AFTER_SUMMARY"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Negotiation.MessagesAfterSummary = parsed
		}
	}
	if token := os.Getenv("LEASEBROKER_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if chatID := os.Getenv("LEASEBROKER_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Agent.MaxTries <= 0 {
		cfg.Agent.MaxTries = DefaultDecideMaxTries
	}
	if cfg.Negotiation.MaxMessages <= 0 {
		cfg.Negotiation.MaxMessages = DefaultMaxMessages
	}
	if cfg.Negotiation.SummaryTrigger <= 0 {
		cfg.Negotiation.SummaryTrigger = DefaultSummaryTrigger
	}
	if cfg.Negotiation.MessagesAfterSummary <= 0 {
		cfg.Negotiation.MessagesAfterSummary = DefaultMessagesAfterSummary
	}
	if cfg.Negotiation.TurnTimeout == "" {
		cfg.Negotiation.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = def.Catalog.Path
	}
	if cfg.Cron.PruneAfterDays <= 0 {
		cfg.Cron.PruneAfterDays = DefaultPruneAfterDays
	}
	if cfg.Playbooks.Dir == "" {
		cfg.Playbooks.Dir = def.Playbooks.Dir
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
