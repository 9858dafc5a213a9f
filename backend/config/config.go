// Package config loads collabConfig.yaml, COLLAB_* environment variables
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"collabServer/backend/internal/logger"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Log  logger.Config `mapstructure:"log"`
	Sync struct {
		CompactThreshold    int           `mapstructure:"compactThreshold"`
		PresenceTTL         time.Duration `mapstructure:"presenceTTL"`
		MaxConcurrentMerges int           `mapstructure:"maxConcurrentMerges"`
		AllowedOrigins      []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"sync"`
}

var defaults = map[string]any{
	"running.port":             8090,
	"mysql.dsn":                "",
	"redis.addrs":              []string{"127.0.0.1:6379"},
	"redis.password":           "",
	"kafka.brokers":            []string{},
	"kafka.topic":              "collab-updates",
	"auth.path":                "",
	"auth.secret":              "",
	"log.level":                "info",
	"log.format":               "json",
	"sync.compactThreshold":    256,
	"sync.presenceTTL":         "60s",
	"sync.maxConcurrentMerges": 100,
	"sync.allowedOrigins":      []string{},
}

// Load parses args (without the program name). Without --config the file
// is looked up as collabConfig.yaml in ./backend/config, ./config and the
// working directory; a missing file there is not an error.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("collab_server", pflag.ContinueOnError)
	path := fs.String("config", "", "path to the config file")
	fs.Int("port", 0, "listen port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if fs.Changed("port") {
		_ = v.BindPFlag("running.port", fs.Lookup("port"))
	}
	if fs.Changed("log-level") {
		_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	}

	if *path != "" {
		v.SetConfigFile(*path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *path, err)
		}
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Running.Port <= 0 || cfg.Running.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Running.Port)
	}
	return cfg, nil
}
