package config

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CompanionConfig is the configuration of the WordPress-side companion process.
type CompanionConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// APIKey guards every companion route. Generated on first start when empty.
	APIKey string `mapstructure:"api_key"`

	// PluginsDir is the WordPress wp-content/plugins directory
	PluginsDir string `mapstructure:"plugins_dir"`
	// ActivePlugins lists slugs reported as active
	ActivePlugins []string `mapstructure:"active_plugins"`

	Upstream UpstreamConfig `mapstructure:"upstream"`

	MaxArchiveSizeMB int           `mapstructure:"max_archive_size_mb"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// UpstreamConfig points the companion at the catalog service that resolves plugin ids.
type UpstreamConfig struct {
	CatalogURL string `mapstructure:"catalog_url"`
	APIKey     string `mapstructure:"api_key"`
}

// GetAddress returns the listen address in host:port format
func (c *CompanionConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxArchiveBytes returns the archive download cap in bytes
func (c *CompanionConfig) MaxArchiveBytes() int64 {
	return int64(c.MaxArchiveSizeMB) << 20
}

// Validate validates the companion configuration
func (c *CompanionConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}
	if c.MaxArchiveSizeMB < 1 {
		return fmt.Errorf("max_archive_size_mb must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	return nil
}

// CompanionStore owns the companion's viper instance. The current configuration
// is swapped atomically when the config file changes on disk.
type CompanionStore struct {
	v  *viper.Viper
	mu sync.RWMutex

	cfg *CompanionConfig
}

func setCompanionDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8090)
	v.SetDefault("plugins_dir", "./wp-content/plugins")
	v.SetDefault("max_archive_size_mb", 64)
	v.SetDefault("download_timeout", "2m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadCompanion reads the companion configuration. Environment variables use
// the WPD_COMPANION_ prefix (WPD_COMPANION_UPSTREAM_CATALOG_URL and so on).
func LoadCompanion(configPath string) (*CompanionStore, error) {
	v := viper.New()
	setCompanionDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("companion")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wpdepot")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading companion config: %w", err)
		}
	}

	v.SetEnvPrefix("WPD_COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v, &CompanionConfig{}); err != nil {
		return nil, err
	}

	s := &CompanionStore{v: v}
	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *CompanionStore) decode() (*CompanionConfig, error) {
	var cfg CompanionConfig
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling companion config: %w", err)
	}
	cfg.APIKey = expandEnv(cfg.APIKey)
	cfg.Upstream.APIKey = expandEnv(cfg.Upstream.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid companion configuration: %w", err)
	}
	return &cfg, nil
}

// Current returns the active configuration snapshot.
func (s *CompanionStore) Current() *CompanionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// APIKey returns the key currently guarding companion routes.
func (s *CompanionStore) APIKey() string {
	return s.Current().APIKey
}

// EnsureAPIKey generates a 32 character API key when none is configured and
// persists it to the config file in use. It reports whether a key was generated.
func (s *CompanionStore) EnsureAPIKey() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.APIKey != "" {
		return false, nil
	}

	key, err := GenerateCompanionKey()
	if err != nil {
		return false, err
	}
	s.v.Set("api_key", key)

	next := *s.cfg
	next.APIKey = key
	s.cfg = &next

	if s.v.ConfigFileUsed() == "" {
		slog.Warn("no companion config file in use; generated API key is not persisted")
		return true, nil
	}
	if err := s.v.WriteConfig(); err != nil {
		return true, fmt.Errorf("failed to persist generated API key: %w", err)
	}
	return true, nil
}

// Watch reloads the configuration whenever the config file changes. Invalid
// edits are logged and the previous configuration stays in effect.
func (s *CompanionStore) Watch(onChange func(*CompanionConfig)) {
	if s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.decode()
		if err != nil {
			slog.Error("ignoring companion config change", "file", e.Name, "error", err)
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		slog.Info("companion config reloaded", "file", e.Name)
		if onChange != nil {
			onChange(cfg)
		}
	})
	s.v.WatchConfig()
}

const companionKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCompanionKey returns a random 32 character alphanumeric key.
func GenerateCompanionKey() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(companionKeyAlphabet)))
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate companion key: %w", err)
		}
		b.WriteByte(companionKeyAlphabet[n.Int64()])
	}
	return b.String(), nil
}
