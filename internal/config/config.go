package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Poll   PollConfig   `mapstructure:"poll" yaml:"poll"`
	Source SourceConfig `mapstructure:"source" yaml:"source"`
	WS     WSConfig     `mapstructure:"ws" yaml:"ws"`
	SSE    SSEConfig    `mapstructure:"sse" yaml:"sse"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Port     string        `mapstructure:"port" yaml:"port"`
	Secret   string        `mapstructure:"secret" yaml:"secret"`     // signs access tokens; empty disables auth
	APIKeys  []string      `mapstructure:"api_keys" yaml:"api_keys"` // keys accepted by /negotiate
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

type SourceConfig struct {
	Kind   string       `mapstructure:"kind" yaml:"kind"` // "sheets" or "file"
	Sheets SheetsConfig `mapstructure:"sheets" yaml:"sheets"`
	File   FileConfig   `mapstructure:"file" yaml:"file"`
}

type SheetsConfig struct {
	SpreadsheetID   string        `mapstructure:"spreadsheet_id" yaml:"spreadsheet_id"`
	Worksheet       string        `mapstructure:"worksheet" yaml:"worksheet"`
	Credentials     string        `mapstructure:"credentials" yaml:"credentials"`           // Google credentials JSON
	CredentialsFile string        `mapstructure:"credentials_file" yaml:"credentials_file"` // path to a credentials JSON file
	AccessToken     string        `mapstructure:"access_token" yaml:"access_token"`         // static fallback; Google tokens expire
	ValuesBaseURL   string        `mapstructure:"values_base_url" yaml:"values_base_url"`
	DriveBaseURL    string        `mapstructure:"drive_base_url" yaml:"drive_base_url"`
	RatePerSecond   int           `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RetryCount      int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

type FileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type WSConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type SSEConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NotifyConfig holds ntfy notification configuration.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Server   string `mapstructure:"server" yaml:"server"`     // ntfy server URL
	Topic    string `mapstructure:"topic" yaml:"topic"`       // required if enabled
	Priority string `mapstructure:"priority" yaml:"priority"` // min, low, default, high, urgent
	Tags     string `mapstructure:"tags" yaml:"tags"`         // comma-separated emoji tags
	Token    string `mapstructure:"token" yaml:"token"`       // optional access token for private topics
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Load reads configuration from defaults, an optional YAML file and the
// environment (FIELDSYNC_ prefix, "." and "-" replaced by "_").
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Names the original deployment used
	_ = v.BindEnv("server.port", "FIELDSYNC_SERVER_PORT", "PORT")
	_ = v.BindEnv("source.sheets.spreadsheet_id", "FIELDSYNC_SOURCE_SHEETS_SPREADSHEET_ID", "GOOGLE_SHEET_KEY")
	_ = v.BindEnv("source.sheets.credentials", "FIELDSYNC_SOURCE_SHEETS_CREDENTIALS", "GOOGLE_CREDENTIALS")
	_ = v.BindEnv("source.sheets.credentials_file", "FIELDSYNC_SOURCE_SHEETS_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("source.sheets.access_token", "FIELDSYNC_SOURCE_SHEETS_ACCESS_TOKEN", "GOOGLE_ACCESS_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.token_ttl", 24*time.Hour)

	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.timeout", 5*time.Second)
	v.SetDefault("poll.failure_threshold", 3)

	v.SetDefault("source.kind", "sheets")
	v.SetDefault("source.sheets.spreadsheet_id", "")
	v.SetDefault("source.sheets.worksheet", "gis_dataset")
	v.SetDefault("source.sheets.credentials", "")
	v.SetDefault("source.sheets.credentials_file", "")
	v.SetDefault("source.sheets.access_token", "")
	v.SetDefault("source.sheets.values_base_url", "https://sheets.googleapis.com")
	v.SetDefault("source.sheets.drive_base_url", "https://www.googleapis.com")
	v.SetDefault("source.sheets.rate_per_second", 2)
	v.SetDefault("source.sheets.retry_count", 2)
	v.SetDefault("source.sheets.retry_delay", 500*time.Millisecond)
	v.SetDefault("source.file.path", "data/gis_dataset.jsonl")

	v.SetDefault("ws.enabled", true)
	v.SetDefault("sse.enabled", true)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "world_map")
	v.SetDefault("notify.token", "")

	v.SetDefault("log.level", "info")
}
