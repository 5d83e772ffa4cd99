package config

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	sslModeDisable = "disable"
	sslModeRequire = "require"
)

type (
	// Config is the process-wide configuration snapshot. It is built once at
	// startup and passed explicitly; nothing reads viper after NewConfig
	// returns.
	Config struct {
		Host       string `mapstructure:"HOST"`
		Port       string `mapstructure:"PORT"`
		DBHost     string `mapstructure:"DB_HOST"`
		DBPort     string `mapstructure:"DB_PORT"`
		DBUser     string `mapstructure:"DB_USER"`
		DBPassword string `mapstructure:"DB_PASSWORD"`
		DBName     string `mapstructure:"DB_NAME"`
		DBSSLMode  string `mapstructure:"DB_SSL_MODE"`

		// Feature gate for the whole bookmark surface.
		BookmarksEnabled bool `mapstructure:"BOOKMARKS_ENABLED"`

		// Defaults applied when a domain has no settings override.
		SharedEnabledDefault bool   `mapstructure:"SHARED_ENABLED_DEFAULT"`
		SharedLabelDefault   string `mapstructure:"SHARED_LABEL_DEFAULT"`
		MaxPrivateDefault    int    `mapstructure:"MAX_PRIVATE_DEFAULT"`
		MaxSharedDefault     int    `mapstructure:"MAX_SHARED_DEFAULT"`

		// Budgets for the best-effort favicon fetch.
		FaviconMaxBytes  int `mapstructure:"FAVICON_MAX_BYTES"`
		FaviconTimeoutMS int `mapstructure:"FAVICON_TIMEOUT_MS"`

		AdminToken string `mapstructure:"ADMIN_TOKEN"`
		Debug      bool   `mapstructure:"DEBUG"`
	}
)

func NewConfig() (*Config, error) {
	viper.SetEnvPrefix("MARKS")

	viper.SetDefault("HOST", "0.0.0.0")
	viper.SetDefault("PORT", "1323")
	viper.SetDefault("DB_HOST", "0.0.0.0")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "db")
	viper.SetDefault("DB_SSL_MODE", sslModeDisable)
	viper.SetDefault("BOOKMARKS_ENABLED", true)
	viper.SetDefault("SHARED_ENABLED_DEFAULT", true)
	viper.SetDefault("SHARED_LABEL_DEFAULT", "Shared Bookmarks")
	viper.SetDefault("MAX_PRIVATE_DEFAULT", 0)
	viper.SetDefault("MAX_SHARED_DEFAULT", 0)
	viper.SetDefault("FAVICON_MAX_BYTES", 65536)
	viper.SetDefault("FAVICON_TIMEOUT_MS", 3000)
	viper.SetDefault("ADMIN_TOKEN", "")
	viper.SetDefault("DEBUG", false)

	envs := []string{
		"HOST", "PORT",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
		"BOOKMARKS_ENABLED",
		"SHARED_ENABLED_DEFAULT", "SHARED_LABEL_DEFAULT",
		"MAX_PRIVATE_DEFAULT", "MAX_SHARED_DEFAULT",
		"FAVICON_MAX_BYTES", "FAVICON_TIMEOUT_MS",
		"ADMIN_TOKEN", "DEBUG",
	}
	for _, key := range envs {
		if err := viper.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	validSSLValues := []string{sslModeDisable, sslModeRequire}
	sslOK := false
	for _, validValue := range validSSLValues {
		if cfg.DBSSLMode == validValue {
			sslOK = true
			break
		}
	}
	if !sslOK {
		return errors.New(fmt.Sprintf("DB SSL mode is invalid: %s", cfg.DBSSLMode))
	}
	if cfg.MaxPrivateDefault < 0 || cfg.MaxSharedDefault < 0 {
		return errors.New("quota defaults must not be negative")
	}
	if cfg.FaviconMaxBytes <= 0 || cfg.FaviconTimeoutMS <= 0 {
		return errors.New("favicon budgets must be positive")
	}
	return nil
}
