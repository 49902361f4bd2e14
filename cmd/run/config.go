package run

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the optional YAML config at
// $XDG_CONFIG_HOME/linkpulse/config.yaml. Flags beat the file, the file
// beats LINKPULSE_* environment variables.
type ConfigFile struct {
	ServerListURL  string `yaml:"server_list_url,omitempty"`
	ServerID       int    `yaml:"server_id,omitempty"`
	CustomServer   string `yaml:"custom_server,omitempty"`
	Duration       int    `yaml:"duration,omitempty"`
	Timeout        int    `yaml:"timeout,omitempty"`
	DataDir        string `yaml:"data_dir,omitempty"`
	EngineBinary   string `yaml:"engine_binary,omitempty"`
	SkipCertVerify bool   `yaml:"skip_cert_verify,omitempty"`
	LogLevel       string `yaml:"log_level,omitempty"`

	JSON    bool `yaml:"json,omitempty"`
	Plain   bool `yaml:"plain,omitempty"`
	NoColor bool `yaml:"no_color,omitempty"`
	Verbose bool `yaml:"verbose,omitempty"`
}

func configPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "linkpulse", "config.yaml")
}

func loadConfigFile() (*ConfigFile, error) {
	path := configPath()
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := validateConfigFile(&file); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &file, nil
}

func validateConfigFile(f *ConfigFile) error {
	if f.ServerID < 0 {
		return fmt.Errorf("server_id must be >= 0, got %d", f.ServerID)
	}
	if f.Duration < 0 {
		return fmt.Errorf("duration must be >= 0, got %d", f.Duration)
	}
	if f.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %d", f.Timeout)
	}
	if f.JSON && f.Plain {
		return fmt.Errorf("json and plain are mutually exclusive")
	}
	return nil
}
