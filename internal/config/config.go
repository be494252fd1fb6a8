// Package config loads roomcast configuration from a yaml file,
// environment variables, and an optional .env file.
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

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Bus      BusConfig      `mapstructure:"bus"`
	Database DatabaseConfig `mapstructure:"database"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// LoggingConfig controls the global logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

// BusConfig contains message bus settings for cross-instance broadcasts
type BusConfig struct {
	// Backend selects the bus implementation: memory, postgres or redis.
	Backend string `mapstructure:"backend"`

	// RedisURL is required for the redis backend.
	RedisURL string `mapstructure:"redis_url"`

	// ChannelPrefix names the shared topic. Instances that should see each
	// other's broadcasts must use the same prefix.
	ChannelPrefix string `mapstructure:"channel_prefix"`

	// AckDeadline is how long a delivered message may stay unacked before
	// the bus redelivers it.
	AckDeadline time.Duration `mapstructure:"ack_deadline"`
}

// DatabaseConfig contains PostgreSQL connection settings
// (used only when the bus backend is postgres)
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RealtimeConfig contains realtime/websocket settings
type RealtimeConfig struct {
	MaxConnections   int           `mapstructure:"max_connections"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	MessageSizeLimit int64         `mapstructure:"message_size_limit"`
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	viper.SetConfigName("roomcast")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/roomcast")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ROOMCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
		"../.env", // For when running from subdirectories
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.body_limit", 4*1024*1024) // 4MB

	// Bus defaults
	viper.SetDefault("bus.backend", "memory")
	viper.SetDefault("bus.channel_prefix", "roomcast")
	viper.SetDefault("bus.ack_deadline", "30s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.database", "roomcast")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")

	// Realtime defaults
	viper.SetDefault("realtime.max_connections", 1000)
	viper.SetDefault("realtime.ping_interval", "30s")
	viper.SetDefault("realtime.pong_timeout", "60s")
	viper.SetDefault("realtime.write_buffer_size", 1024)
	viper.SetDefault("realtime.read_buffer_size", 1024)
	viper.SetDefault("realtime.message_size_limit", 512*1024) // 512KB

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case "memory", "", "postgres", "redis":
	default:
		return fmt.Errorf("bus backend must be 'memory', 'postgres' or 'redis'")
	}

	if c.Bus.Backend == "redis" && c.Bus.RedisURL == "" {
		return fmt.Errorf("bus.redis_url is required for the redis backend")
	}

	if c.Bus.ChannelPrefix == "" {
		return fmt.Errorf("bus.channel_prefix must not be empty")
	}

	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("max_connections must be greater than or equal to min_connections")
	}

	switch c.Logging.Format {
	case "console", "json", "":
	default:
		return fmt.Errorf("logging format must be 'console' or 'json'")
	}

	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
