package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/xaenox/livelink/internal/presence"
)

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

type Config struct {
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Database DatabaseConfig  `mapstructure:"database"`
	Presence PresenceConfig  `mapstructure:"presence"`
	Commands CommandsConfig  `mapstructure:"commands"`
	OpenAI   OpenAIConfig    `mapstructure:"openai"`
	Postal   PostalConfig    `mapstructure:"postal"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Channels []ChannelConfig `mapstructure:"channels"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	BoltPath string `mapstructure:"bolt_path"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FreshnessWindow   time.Duration `mapstructure:"freshness_window"`
}

type CommandsConfig struct {
	BotTrigger      string `mapstructure:"bot_trigger"`
	ModeratorStatus int    `mapstructure:"moderator_status"`
}

type OpenAIConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	BaseURL      string  `mapstructure:"base_url"`
	Model        string  `mapstructure:"model"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

type PostalConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// MetricsConfig is the listen address of the Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ChannelConfig is a channel created at startup when it does not exist yet.
type ChannelConfig struct {
	Name          string `mapstructure:"name"`
	Category      string `mapstructure:"category"`
	BackgroundURL string `mapstructure:"background_url"`
}

const defaultChannels = "general:Talk,flirt:Talk,games:Hobby,music:Hobby"

func (p PresenceConfig) Tracker() presence.Config {
	return presence.Config{
		HeartbeatInterval: p.HeartbeatInterval,
		FreshnessWindow:   p.FreshnessWindow,
	}
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// ParseChannelList parses "name:category[:background],..." entries.
func ParseChannelList(s string) ([]ChannelConfig, error) {
	var channels []ChannelConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid channel entry %q, want name:category[:background]", entry)
		}
		ch := ChannelConfig{
			Name:     strings.TrimSpace(parts[0]),
			Category: strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			ch.BackgroundURL = strings.TrimSpace(parts[2])
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func channelListHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]ChannelConfig{}) {
			return data, nil
		}
		return ParseChannelList(data.(string))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.bolt_path", "livelink.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "livelink")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("presence.heartbeat_interval", presence.DefaultHeartbeatInterval)
	v.SetDefault("presence.freshness_window", presence.DefaultFreshnessWindow)
	v.SetDefault("commands.bot_trigger", "@bot")
	v.SetDefault("commands.moderator_status", 3)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.system_prompt", "")
	v.SetDefault("postal.base_url", "https://openplzapi.org")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("channels", defaultChannels)
}

// LoadConfig reads .env, then the optional YAML file at path, then the environment.
// A missing file at either location is not an error.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		channelListHook(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	case DriverBolt:
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if err := c.Presence.Tracker().Validate(); err != nil {
		return fmt.Errorf("invalid presence config: %w", err)
	}
	if strings.TrimSpace(c.Commands.BotTrigger) == "" {
		return fmt.Errorf("commands.bot_trigger must not be empty")
	}
	for _, ch := range c.Channels {
		if ch.Name == "" || strings.Contains(ch.Name, "/") {
			return fmt.Errorf("invalid channel name %q", ch.Name)
		}
	}
	return nil
}
