package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes the optional event-history store. With Enabled
// false the supervisor runs without any persistence.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecretEnv         string        `mapstructure:"jwt_secret_env"`
	TokenTTL             time.Duration `mapstructure:"token_ttl"`
	OperatorUser         string        `mapstructure:"operator_user"`
	OperatorPasswordHash string        `mapstructure:"operator_password_hash"`
}

type WatchdogConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxActionsPerCycle int           `mapstructure:"max_actions_per_cycle"`
}

type InstrumentConfig struct {
	Resource           string        `mapstructure:"resource"`
	Profile            string        `mapstructure:"profile"`
	IOTimeout          time.Duration `mapstructure:"io_timeout"`
	ProfileSearchPaths []string      `mapstructure:"profile_search_paths"`
	AutoConnect        bool          `mapstructure:"auto_connect"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")

	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.max_connections", 4)

	viper.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	viper.SetDefault("auth.token_ttl", "60m")
	viper.SetDefault("auth.operator_user", "operator")

	viper.SetDefault("watchdog.poll_interval", "500ms")
	viper.SetDefault("watchdog.max_actions_per_cycle", 10)

	viper.SetDefault("instrument.profile", "nge103b")
	viper.SetDefault("instrument.io_timeout", "2s")
	viper.SetDefault("instrument.auto_connect", false)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PSUW")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Watchdog.PollInterval <= 0 {
		return fmt.Errorf("watchdog.poll_interval must be > 0, got %s", c.Watchdog.PollInterval)
	}
	if c.Watchdog.MaxActionsPerCycle < 1 {
		return fmt.Errorf("watchdog.max_actions_per_cycle must be >= 1, got %d", c.Watchdog.MaxActionsPerCycle)
	}
	if c.Instrument.IOTimeout <= 0 {
		return fmt.Errorf("instrument.io_timeout must be > 0, got %s", c.Instrument.IOTimeout)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT secret comes from the environment so it never lands in the config file.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development fallback.
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}
