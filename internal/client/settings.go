package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettingsEnv overrides the settings file location
const SettingsEnv = "WPD_SETTINGS"

// Settings is what the client needs to reach the catalog and, optionally, a
// single companion directly.
type Settings struct {
	ServerURL       string `yaml:"server_url"`
	APIKey          string `yaml:"api_key,omitempty"`
	CompanionURL    string `yaml:"companion_url,omitempty"`
	CompanionAPIKey string `yaml:"companion_api_key,omitempty"`
}

// settingKeys maps the names accepted by Set to their fields
var settingKeys = map[string]func(*Settings) *string{
	"server_url":        func(s *Settings) *string { return &s.ServerURL },
	"api_key":           func(s *Settings) *string { return &s.APIKey },
	"companion_url":     func(s *Settings) *string { return &s.CompanionURL },
	"companion_api_key": func(s *Settings) *string { return &s.CompanionAPIKey },
}

// SettingKeys lists the names accepted by Set, sorted
func SettingKeys() []string {
	keys := make([]string, 0, len(settingKeys))
	for k := range settingKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one setting by its YAML name
func (s *Settings) Set(key, value string) error {
	field, ok := settingKeys[key]
	if !ok {
		return fmt.Errorf("%w: unknown setting %q (valid: %s)", ErrValidation, key, strings.Join(SettingKeys(), ", "))
	}
	if strings.HasSuffix(key, "_url") {
		value = strings.TrimRight(value, "/")
	}
	*field(s) = value
	return nil
}

// Configured reports whether the catalog can be reached
func (s *Settings) Configured() bool {
	return s != nil && s.ServerURL != ""
}

// Redacted returns a copy safe to print
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if len(v) <= 8 {
			if v == "" {
				return ""
			}
			return "****"
		}
		return v[:8] + "****"
	}
	s.APIKey = mask(s.APIKey)
	s.CompanionAPIKey = mask(s.CompanionAPIKey)
	return s
}

// SettingsSource supplies settings to the catalog client on every call
type SettingsSource interface {
	Load() (*Settings, error)
}

// StaticSettings serves fixed settings, as the companion does for its upstream
type StaticSettings Settings

// Load implements SettingsSource
func (s StaticSettings) Load() (*Settings, error) {
	out := Settings(s)
	if !out.Configured() {
		return nil, ErrConfigurationMissing
	}
	return &out, nil
}

// SettingsStore persists Settings as a YAML file readable only by the owner
type SettingsStore struct {
	path string
}

// NewSettingsStore uses path, or DefaultSettingsPath when path is empty
func NewSettingsStore(path string) (*SettingsStore, error) {
	if path == "" {
		var err error
		if path, err = DefaultSettingsPath(); err != nil {
			return nil, err
		}
	}
	return &SettingsStore{path: path}, nil
}

// DefaultSettingsPath is $WPD_SETTINGS or <user config dir>/wpdepot/settings.yaml
func DefaultSettingsPath() (string, error) {
	if p := os.Getenv(SettingsEnv); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "wpdepot", "settings.yaml"), nil
}

// Path returns the settings file location
func (s *SettingsStore) Path() string {
	return s.path
}

// Read returns the stored settings, or empty settings when the file does not exist
func (s *SettingsStore) Read() (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", s.path, err)
	}
	return &settings, nil
}

// Load implements SettingsSource. It fails with ErrConfigurationMissing
// when no server URL is stored.
func (s *SettingsStore) Load() (*Settings, error) {
	settings, err := s.Read()
	if err != nil {
		return nil, err
	}
	if !settings.Configured() {
		return nil, ErrConfigurationMissing
	}
	return settings, nil
}

// Save writes settings atomically
func (s *SettingsStore) Save(settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
