package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type CallsConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	InitiateLimit  int           `mapstructure:"initiate_limit"`
	InitiateWindow time.Duration `mapstructure:"initiate_window"`
}

type SignalConfig struct {
	ValidateSDP bool `mapstructure:"validate_sdp"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	BadgerPath  string `mapstructure:"badger_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	SeedFile    string `mapstructure:"seed_file"`
}

type NotifyConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`

	JWT    JWTConfig    `mapstructure:"jwt"`
	Calls  CallsConfig  `mapstructure:"calls"`
	Signal SignalConfig `mapstructure:"signal"`
	Store  StoreConfig  `mapstructure:"store"`
	Notify NotifyConfig `mapstructure:"notify"`
}

const envPrefix = "CALLBOX"

const (
	defaultSecret   = "change-me"
	minSecretLength = 32
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", defaultSecret)
	v.SetDefault("log_level", "info")

	v.SetDefault("jwt.secret", defaultSecret)
	v.SetDefault("jwt.issuer", "callbox")
	v.SetDefault("jwt.ttl", "24h")

	v.SetDefault("calls.ring_timeout", "30s")
	v.SetDefault("calls.initiate_limit", 5)
	v.SetDefault("calls.initiate_window", "1m")

	v.SetDefault("signal.validate_sdp", true)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.badger_path", "./data/badger")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.seed_file", "")

	v.SetDefault("notify.concurrency", 8)
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults.
// CALLBOX_* environment variables override both; a .env file, if present,
// is loaded into the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "badger":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret must not be empty")
	}
	if c.Mode == "release" {
		if err := checkSecret("jwt.secret", c.JWT.Secret); err != nil {
			return err
		}
		if err := checkSecret("secret", c.Secret); err != nil {
			return err
		}
	}
	return nil
}

// checkSecret rejects the built-in placeholder and short keys.
func checkSecret(key, value string) error {
	if value == defaultSecret {
		return fmt.Errorf("%s must be set in release mode", key)
	}
	if len(value) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters in release mode", key, minSecretLength)
	}
	return nil
}
