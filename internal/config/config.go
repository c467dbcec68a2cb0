package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Transport names.
const (
	TransportWhatsApp = "whatsapp"
	TransportTelegram = "telegram"
)

// Duration is a time.Duration that reads and writes as "15s" in TOML and env.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type HTTPConfig struct {
	Addr string `toml:"addr" env:"RELAY_HTTP_ADDR"`
	// WebhookSecret is the path secret of the Telegram webhook route.
	WebhookSecret string `toml:"webhook_secret" env:"RELAY_WEBHOOK_SECRET"`
}

type TransportConfig struct {
	Name    string   `toml:"name" env:"RELAY_TRANSPORT"`
	Timeout Duration `toml:"timeout" env:"RELAY_TRANSPORT_TIMEOUT"`
}

type TelegramConfig struct {
	Token         string `toml:"token" env:"BOT_TOKEN"`
	APIBase       string `toml:"api_base" env:"RELAY_TELEGRAM_API"`
	StagingChatID string `toml:"staging_chat_id" env:"RELAY_TELEGRAM_STAGING_CHAT"`
}

type OperatorConfig struct {
	Name     string `toml:"name" env:"ADMIN_NAME"`
	Password string `toml:"password" env:"ADMIN_PASSWORD"`
	// TokenSecret signs session tokens. Falls back to the password.
	TokenSecret   string   `toml:"token_secret" env:"RELAY_TOKEN_SECRET"`
	TokenLifetime Duration `toml:"token_lifetime" env:"RELAY_TOKEN_LIFETIME"`
}

type MediaConfig struct {
	CacheEntries   int   `toml:"cache_entries" env:"RELAY_MEDIA_CACHE"`
	MaxUploadBytes int64 `toml:"max_upload_bytes" env:"RELAY_MAX_UPLOAD_BYTES"`
}

// Config represents ~/.relay/config.toml after .env and environment overrides.
type Config struct {
	DefaultInstance string          `toml:"default_instance" env:"RELAY_INSTANCE"`
	HTTP            HTTPConfig      `toml:"http"`
	Transport       TransportConfig `toml:"transport"`
	Telegram        TelegramConfig  `toml:"telegram"`
	Operator        OperatorConfig  `toml:"operator"`
	Media           MediaConfig     `toml:"media"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8000"},
		Transport: TransportConfig{
			Name:    TransportWhatsApp,
			Timeout: Duration{15 * time.Second},
		},
		Operator: OperatorConfig{
			Name:          "admin",
			TokenLifetime: Duration{8 * time.Hour},
		},
		Media: MediaConfig{
			CacheEntries:   128,
			MaxUploadBytes: 20 << 20,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective configuration: defaults, then the TOML file
// at path (optional), then variables from the dotenv file at envPath
// (optional, never overriding the real environment), then the environment.
func Resolve(path, envPath string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.Transport.Name = strings.ToLower(strings.TrimSpace(cfg.Transport.Name))
	cfg.Operator.Name = strings.TrimSpace(cfg.Operator.Name)
	return cfg, nil
}

// Validate checks that the configuration can run a daemon.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport.Name {
	case TransportWhatsApp:
	case TransportTelegram:
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram transport requires BOT_TOKEN"))
		}
		// Inbound updates only arrive through the webhook route.
		if c.HTTP.WebhookSecret == "" {
			errs = append(errs, errors.New("telegram transport requires http.webhook_secret"))
		}
		if c.Telegram.StagingChatID == "" {
			errs = append(errs, errors.New("telegram transport requires telegram.staging_chat_id for uploads"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Name))
	}
	if c.Operator.Password == "" {
		errs = append(errs, errors.New("ADMIN_PASSWORD is required"))
	}
	if c.Operator.Name == "" {
		errs = append(errs, errors.New("operator name must not be empty"))
	}
	if c.Transport.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("transport timeout must be positive"))
	}
	if c.Operator.TokenLifetime.Duration <= 0 {
		errs = append(errs, errors.New("token lifetime must be positive"))
	}
	if c.Media.CacheEntries <= 0 {
		errs = append(errs, errors.New("media cache size must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
