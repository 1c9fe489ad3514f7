package taskdeck

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultApiUrl = "http://127.0.0.1:8000/api"
const DefaultWsUrl = "ws://127.0.0.1:8000/ws/tasks/"

type Config struct {
	ApiUrl      string `yaml:"api_url"`
	WsUrl       string `yaml:"ws_url"`
	StoragePath string `yaml:"storage_path"`
}

func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		ApiUrl:      DefaultApiUrl,
		WsUrl:       DefaultWsUrl,
		StoragePath: filepath.Join(home, ".taskdeck", "taskdeck.db"),
	}
}

// LoadConfig reads `path` over the defaults. A missing file is not an
// error; the defaults apply.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}
