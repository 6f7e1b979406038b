package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the process configuration. Everything an operator edits at runtime lives in the
// settings table instead.
type Config struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Backup struct {
		Dir         string `mapstructure:"dir"`
		LegacyNames bool   `mapstructure:"legacy_names"`
	} `mapstructure:"backup"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Scheduler struct {
		TickMs          int `mapstructure:"tick_ms"`
		MaxWorkers      int `mapstructure:"max_workers"`
		RecoveryMinutes int `mapstructure:"recovery_minutes"`
	} `mapstructure:"scheduler"`

	Worker struct {
		ID            string `mapstructure:"id"`
		BatchSize     int    `mapstructure:"batch_size"`
		TimeBudgetSec int    `mapstructure:"time_budget_sec"`
		LeaseSec      int    `mapstructure:"lease_sec"`
	} `mapstructure:"worker"`

	Queue struct {
		Redis struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"queue"`

	Logging struct {
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"logging"`

	Update struct {
		InfoURL       string `mapstructure:"info_url"`
		LocalInfoPath string `mapstructure:"local_info_path"`
		StatusPath    string `mapstructure:"status_path"`
	} `mapstructure:"update"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
}

// LoadConfig reads the configuration from a file or environment variables. When no file can be
// found the defaults and the environment are used on their own.
func LoadConfig(configPaths ...string) (*Config, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("VODUM_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err == nil {
		return config, nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("database.path", "/appdata/database.db")

	v.SetDefault("backup.dir", "/appdata/backups")
	v.SetDefault("backup.legacy_names", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("scheduler.tick_ms", 1000)
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.recovery_minutes", 10)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.time_budget_sec", 25)
	v.SetDefault("worker.lease_sec", 120)

	v.SetDefault("queue.redis.enabled", false)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)

	v.SetDefault("logging.file", "/appdata/logs/app.log")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("update.info_url", "")
	v.SetDefault("update.local_info_path", "/app/INFO")
	v.SetDefault("update.status_path", "/appdata/update_status.json")

	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)

	v.SetEnvPrefix("VODUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// names used by existing deployments
	_ = v.BindEnv("database.path", "VODUM_DATABASE_PATH", "DATABASE_PATH")
	_ = v.BindEnv("backup.dir", "VODUM_BACKUP_DIR", "BACKUP_DIR")
	_ = v.BindEnv("debug", "VODUM_DEBUG", "DEBUG")

	return v
}

func readConfig(v *viper.Viper, path string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	config, err := unmarshal(v)
	if err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return config, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickMs) * time.Millisecond
}

func (c *Config) RecoverAfter() time.Duration {
	return time.Duration(c.Scheduler.RecoveryMinutes) * time.Minute
}

func (c *Config) WorkerTimeBudget() time.Duration {
	return time.Duration(c.Worker.TimeBudgetSec) * time.Second
}

func (c *Config) WorkerLease() time.Duration {
	return time.Duration(c.Worker.LeaseSec) * time.Second
}
