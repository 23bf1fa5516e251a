package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/jobforge/internal/platform/envutil"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/server"
)

/*
Process configuration. Three layers, lowest priority first: built-in
defaults, an optional YAML file (JOBFORGE_CONFIG_FILE), environment
variables. The poll interval floor is enforced here — programmatic
configs (tests) bypass this layer entirely.
*/

type Config struct {
	LogMode        string
	StorageBackend string // memory | postgres | sqlite | redis

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	SQLitePath string
	RedisAddr  string

	WorkerPoolSize                        int
	PollInterval                          time.Duration
	ServerTimeoutPollIntervalMultiplicand int
	MaxRetries                            int
	DeleteSucceededJobsAfter              time.Duration
	PermanentlyDeleteDeletedJobsAfter     time.Duration
}

// fileConfig is the YAML shape; durations are Go duration strings ("15s",
// "36h") so the file reads the way the env vars do.
type fileConfig struct {
	LogMode        string `yaml:"logMode"`
	StorageBackend string `yaml:"storageBackend"`

	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     string `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresName     string `yaml:"postgresName"`

	SQLitePath string `yaml:"sqlitePath"`
	RedisAddr  string `yaml:"redisAddr"`

	WorkerPoolSize                        int    `yaml:"workerPoolSize"`
	PollInterval                          string `yaml:"pollInterval"`
	ServerTimeoutPollIntervalMultiplicand int    `yaml:"serverTimeoutPollIntervalMultiplicand"`
	MaxRetries                            *int   `yaml:"maxRetries"`
	DeleteSucceededJobsAfter              string `yaml:"deleteSucceededJobsAfter"`
	PermanentlyDeleteDeletedJobsAfter     string `yaml:"permanentlyDeleteDeletedJobsAfter"`
}

func defaultConfig() Config {
	sc := server.DefaultConfig()
	return Config{
		LogMode:                               "development",
		StorageBackend:                        "memory",
		PostgresHost:                          "localhost",
		PostgresPort:                          "5432",
		PostgresUser:                          "postgres",
		PostgresName:                          "jobforge",
		SQLitePath:                            "jobforge.db",
		RedisAddr:                             "localhost:6379",
		WorkerPoolSize:                        sc.WorkerPoolSize,
		PollInterval:                          sc.PollInterval,
		ServerTimeoutPollIntervalMultiplicand: sc.ServerTimeoutPollIntervalMultiplicand,
		MaxRetries:                            sc.MaxRetries,
		DeleteSucceededJobsAfter:              sc.DeleteSucceededJobsAfter,
		PermanentlyDeleteDeletedJobsAfter:     sc.PermanentlyDeleteDeletedJobsAfter,
	}
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := defaultConfig()

	if path := envutil.String("JOBFORGE_CONFIG_FILE", ""); path != "" {
		if err := applyConfigFile(&cfg, path); err != nil {
			return Config{}, err
		}
		log.Info("Loaded config file", "path", path)
	}

	cfg.LogMode = envutil.String("LOG_MODE", cfg.LogMode)
	cfg.StorageBackend = envutil.String("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.PostgresHost = envutil.String("POSTGRES_HOST", cfg.PostgresHost)
	cfg.PostgresPort = envutil.String("POSTGRES_PORT", cfg.PostgresPort)
	cfg.PostgresUser = envutil.String("POSTGRES_USER", cfg.PostgresUser)
	cfg.PostgresPassword = envutil.String("POSTGRES_PASSWORD", cfg.PostgresPassword)
	cfg.PostgresName = envutil.String("POSTGRES_NAME", cfg.PostgresName)
	cfg.SQLitePath = envutil.String("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = envutil.String("REDIS_ADDR", cfg.RedisAddr)

	cfg.WorkerPoolSize = envutil.Int("WORKER_POOL_SIZE", cfg.WorkerPoolSize)
	cfg.PollInterval = envutil.Duration("POLL_INTERVAL", cfg.PollInterval)
	cfg.ServerTimeoutPollIntervalMultiplicand = envutil.Int("SERVER_TIMEOUT_POLL_INTERVAL_MULTIPLICAND", cfg.ServerTimeoutPollIntervalMultiplicand)
	cfg.MaxRetries = envutil.Int("MAX_RETRIES", cfg.MaxRetries)
	cfg.DeleteSucceededJobsAfter = envutil.Duration("DELETE_SUCCEEDED_JOBS_AFTER", cfg.DeleteSucceededJobsAfter)
	cfg.PermanentlyDeleteDeletedJobsAfter = envutil.Duration("PERMANENTLY_DELETE_DELETED_JOBS_AFTER", cfg.PermanentlyDeleteDeletedJobsAfter)

	if cfg.PollInterval < server.MinPollInterval {
		log.Warn("Poll interval below minimum, clamping",
			"requested", cfg.PollInterval.String(),
			"minimum", server.MinPollInterval.String(),
		)
		cfg.PollInterval = server.MinPollInterval
	}
	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.LogMode, fc.LogMode)
	setString(&cfg.StorageBackend, fc.StorageBackend)
	setString(&cfg.PostgresHost, fc.PostgresHost)
	setString(&cfg.PostgresPort, fc.PostgresPort)
	setString(&cfg.PostgresUser, fc.PostgresUser)
	setString(&cfg.PostgresPassword, fc.PostgresPassword)
	setString(&cfg.PostgresName, fc.PostgresName)
	setString(&cfg.SQLitePath, fc.SQLitePath)
	setString(&cfg.RedisAddr, fc.RedisAddr)

	if fc.WorkerPoolSize > 0 {
		cfg.WorkerPoolSize = fc.WorkerPoolSize
	}
	if fc.ServerTimeoutPollIntervalMultiplicand > 0 {
		cfg.ServerTimeoutPollIntervalMultiplicand = fc.ServerTimeoutPollIntervalMultiplicand
	}
	if fc.MaxRetries != nil && *fc.MaxRetries >= 0 {
		cfg.MaxRetries = *fc.MaxRetries
	}

	setDuration := func(dst *time.Duration, v, field string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, field, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&cfg.PollInterval, fc.PollInterval, "pollInterval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.DeleteSucceededJobsAfter, fc.DeleteSucceededJobsAfter, "deleteSucceededJobsAfter"); err != nil {
		return err
	}
	return setDuration(&cfg.PermanentlyDeleteDeletedJobsAfter, fc.PermanentlyDeleteDeletedJobsAfter, "permanentlyDeleteDeletedJobsAfter")
}

// ServerConfig projects the process config onto the server's tuning knobs.
func (c Config) ServerConfig() server.Config {
	sc := server.DefaultConfig()
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.PollInterval = c.PollInterval
	sc.ServerTimeoutPollIntervalMultiplicand = c.ServerTimeoutPollIntervalMultiplicand
	sc.MaxRetries = c.MaxRetries
	sc.DeleteSucceededJobsAfter = c.DeleteSucceededJobsAfter
	sc.PermanentlyDeleteDeletedJobsAfter = c.PermanentlyDeleteDeletedJobsAfter
	return sc
}
