package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"promotion-shop/pkg/log"
)

const envPrefix = "PROMOTION"

var (
	// GlobalConfig holds the last successfully loaded configuration
	GlobalConfig *Config

	mu     sync.RWMutex
	active *viper.Viper
)

// keys that may be supplied only through the environment
var envKeys = []string{
	"server.port",
	"database.driver",
	"database.host",
	"database.port",
	"database.username",
	"database.password",
	"database.dbname",
	"redis.enabled",
	"redis.host",
	"redis.password",
	"kafka.driver",
	"kafka.brokers",
	"kafka.group_id",
	"participant.kind",
	"log.level",
}

// LoadConfig loads configuration from file and environment variables.
// An overlay file config.<env>.yaml next to the main file is merged on top
// when PROMOTION_ENV names it.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/promotion")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info("config file not found, using defaults and environment variables")
	} else {
		log.WithField("file", v.ConfigFileUsed()).Info("using config file")
		if err := mergeEnvOverlay(v); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = cfg
	active = v
	mu.Unlock()
	return cfg, nil
}

func mergeEnvOverlay(v *viper.Viper) error {
	env := os.Getenv(envPrefix + "_ENV")
	if env == "" {
		return nil
	}
	path := filepath.Join(filepath.Dir(v.ConfigFileUsed()), fmt.Sprintf("config.%s.yaml", env))
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	overlay := viper.New()
	overlay.SetConfigFile(path)
	if err := overlay.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env config %s: %w", path, err)
	}
	if err := v.MergeConfigMap(overlay.AllSettings()); err != nil {
		return fmt.Errorf("failed to merge env config %s: %w", path, err)
	}
	log.WithField("file", path).Info("loaded environment config")
	return nil
}

// MustLoadConfig loads configuration and panics on error
func MustLoadConfig(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("config not loaded, call LoadConfig first")
	}
	return GlobalConfig
}

// WatchConfig reloads the file on change and hands the new configuration to
// callback. A reload that fails validation keeps the previous configuration.
func WatchConfig(callback func(*Config)) {
	mu.RLock()
	v := active
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.WithField("file", e.Name).Info("config file changed")
		cfg, err := LoadConfig(path)
		if err != nil {
			log.WithError(err).Error("failed to reload config")
			return
		}
		if callback != nil {
			callback(cfg)
		}
	})
	v.WatchConfig()
}

// GetEnv returns environment variable value with fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
