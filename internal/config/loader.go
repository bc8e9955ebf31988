package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Security SecurityConfig `mapstructure:"security"`
	Features FeaturesConfig `mapstructure:"features"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Interval between pushes on the task status websocket.
	StreamInterval time.Duration `mapstructure:"stream_interval"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql, sqlite
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Path
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	}
}

type LoggerConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating file sink next to the regular outputs.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ExecutorConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type RecoveryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OwnerTTL          time.Duration `mapstructure:"owner_ttl"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
}

type RemoteConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type SecurityConfig struct {
	DetailsEncryptionKey string `mapstructure:"details_encryption_key"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	EnableMetrics        bool   `mapstructure:"enable_metrics"`
	EnableRecovery       bool   `mapstructure:"enable_recovery"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.stream_interval", 2*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})
	v.SetDefault("logger.file.max_size_mb", 100)
	v.SetDefault("logger.file.max_backups", 5)
	v.SetDefault("logger.file.max_age_days", 14)

	v.SetDefault("executor.workers", 8)
	v.SetDefault("executor.queue_size", 64)

	v.SetDefault("recovery.heartbeat_interval", 10*time.Second)
	v.SetDefault("recovery.owner_ttl", 60*time.Second)
	v.SetDefault("recovery.scan_interval", 30*time.Second)

	v.SetDefault("remote.user", "yugabyte")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.connect_timeout", 30*time.Second)
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.command_timeout", 5*time.Minute)
	// Empty defaults let the environment supply secrets.
	v.SetDefault("remote.private_key_path", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("security.details_encryption_key", "")
	v.SetDefault("auth.admin_api_key", "")

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_metrics", true)
	v.SetDefault("features.enable_recovery", true)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("COMMISSIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers)
	}
	if c.Executor.QueueSize < 0 {
		return fmt.Errorf("executor.queue_size must not be negative, got %d", c.Executor.QueueSize)
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite")
	}
	if c.Recovery.OwnerTTL <= c.Recovery.HeartbeatInterval {
		return fmt.Errorf("recovery.owner_ttl must exceed recovery.heartbeat_interval")
	}
	return nil
}
