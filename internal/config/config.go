package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bsdflow.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		Auth     struct {
			Secret string `yaml:"secret"`
		} `yaml:"auth"`
	} `yaml:"server"`
	Engine struct {
		MaxAttempts int `yaml:"max_attempts"`
		Worker      struct {
			Count           int `yaml:"count"`
			IntervalSeconds int `yaml:"interval_seconds"`
		} `yaml:"worker"`
	} `yaml:"engine"`
	Validators map[string]ValidatorConfig `yaml:"validators"`
}

// ValidatorConfig declares a named pattern validator tenant schemas may
// reference in addition to the built-ins.
type ValidatorConfig struct {
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bsdflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("config.engine.max_attempts must not be negative")
	}
	if c.Engine.Worker.Count < 0 {
		return fmt.Errorf("config.engine.worker.count must not be negative")
	}
	if c.Engine.Worker.IntervalSeconds < 0 {
		return fmt.Errorf("config.engine.worker.interval_seconds must not be negative")
	}
	for name, v := range c.Validators {
		if name == "" {
			return fmt.Errorf("config.validators contains an empty name")
		}
		if v.Pattern == "" {
			return fmt.Errorf("validator %s has no pattern", name)
		}
		if _, err := regexp.Compile(v.Pattern); err != nil {
			return fmt.Errorf("validator %s has invalid pattern: %w", name, err)
		}
	}
	return nil
}

// WorkerInterval returns the poll interval with the default applied.
func (c *Config) WorkerInterval() time.Duration {
	if c.Engine.Worker.IntervalSeconds > 0 {
		return time.Duration(c.Engine.Worker.IntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bsdflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: :8080
  base_path: /api/v1
  auth:
    secret: ""

engine:
  max_attempts: 5
  worker:
    count: 4
    interval_seconds: 2

validators:
  slug:
    description: "Lowercase identifier with dashes"
    pattern: "^[a-z0-9]+(-[a-z0-9]+)*$"
  phone:
    description: "E.164 phone number"
    pattern: "^\\+?[0-9]{7,15}$"
`
