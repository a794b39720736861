package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Agents    []AgentConfig   `json:"agents"`
	Ledger    LedgerConfig    `json:"ledger"`
	Content   ContentConfig   `json:"content"`
	Sync      SyncConfig      `json:"sync"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	Port          int    `json:"port"`
	LogLevel      string `json:"log_level"`
	MigrationsDir string `json:"migrations_dir"`
}

// AgentConfig names one chain to mirror. The display fields only affect
// chat notifications.
type AgentConfig struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
}

type LedgerConfig struct {
	RPCURL          string   `json:"rpc_url"`
	ContractAddress string   `json:"contract_address"`
	Subscribe       bool     `json:"subscribe"`
	PollInterval    Duration `json:"poll_interval"`
	ReconnectMin    Duration `json:"reconnect_min"`
	ReconnectMax    Duration `json:"reconnect_max"`
}

type ContentConfig struct {
	GatewayURL     string   `json:"gateway_url"`
	MaxRetries     int      `json:"max_retries"`
	BaseDelay      Duration `json:"base_delay"`
	MaxDelay       Duration `json:"max_delay"`
	RequestTimeout Duration `json:"request_timeout"`
	CacheTTL       Duration `json:"cache_ttl"`

	// VerifySignatures rejects memories not signed by their agent's address.
	VerifySignatures bool `json:"verify_signatures"`
}

const (
	ModeLeader   = "leader"
	ModeFollower = "follower"
)

type SyncConfig struct {
	Mode            string   `json:"mode"` // "leader" or "follower"
	CatchUpMaxNodes int      `json:"catch_up_max_nodes"`
	GapRetryAfter   Duration `json:"gap_retry_after"`
	BroadcastBuffer int      `json:"broadcast_buffer"`
	StreamMaxLen    int64    `json:"stream_max_len"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider   string `json:"provider"`
	Endpoint   string `json:"endpoint"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	Dimension  int    `json:"dimension"`
	MaxRetries int    `json:"max_retries"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3010
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MigrationsDir == "" {
		c.Server.MigrationsDir = "migrations"
	}
	if c.Ledger.PollInterval == 0 {
		c.Ledger.PollInterval = Duration(30 * time.Second)
	}
	if c.Ledger.ReconnectMin == 0 {
		c.Ledger.ReconnectMin = Duration(5 * time.Second)
	}
	if c.Ledger.ReconnectMax == 0 {
		c.Ledger.ReconnectMax = Duration(time.Minute)
	}
	if c.Content.MaxRetries == 0 {
		c.Content.MaxRetries = 15
	}
	if c.Content.BaseDelay == 0 {
		c.Content.BaseDelay = Duration(10 * time.Second)
	}
	if c.Content.MaxDelay == 0 {
		c.Content.MaxDelay = Duration(5 * time.Minute)
	}
	if c.Content.RequestTimeout == 0 {
		c.Content.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Content.CacheTTL == 0 {
		c.Content.CacheTTL = Duration(24 * time.Hour)
	}
	if c.Sync.Mode == "" {
		c.Sync.Mode = ModeLeader
	}
	if c.Sync.BroadcastBuffer == 0 {
		c.Sync.BroadcastBuffer = 64
	}
	if c.Sync.StreamMaxLen == 0 {
		c.Sync.StreamMaxLen = 10000
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
		} else if seen[strings.ToLower(a.Name)] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		}
		seen[strings.ToLower(a.Name)] = true
		if !common.IsHexAddress(a.Address) {
			errs = append(errs, fmt.Errorf("agents[%d]: invalid address %q", i, a.Address))
		}
	}

	switch c.Sync.Mode {
	case ModeLeader:
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ledger.rpc_url is required in leader mode"))
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			errs = append(errs, fmt.Errorf("ledger.contract_address: invalid address %q", c.Ledger.ContractAddress))
		}
		if c.Content.GatewayURL == "" {
			errs = append(errs, errors.New("content.gateway_url is required"))
		}
	case ModeFollower:
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("database.redis.url is required in follower mode"))
		}
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("database.postgres.dsn is required in follower mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("sync.mode must be %q or %q, got %q", ModeLeader, ModeFollower, c.Sync.Mode))
	}

	if c.Ledger.Subscribe && !strings.HasPrefix(c.Ledger.RPCURL, "ws") {
		errs = append(errs, errors.New("ledger.subscribe requires a ws:// or wss:// rpc_url"))
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.BotToken == "" || c.Notify.Slack.Channel == "") {
		errs = append(errs, errors.New("notify.slack needs bot_token and channel"))
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.BotToken == "" || c.Notify.Discord.Channel == "") {
		errs = append(errs, errors.New("notify.discord needs bot_token and channel"))
	}
	return errors.Join(errs...)
}
