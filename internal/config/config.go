package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads as "30s" / "10m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models vaultline.yml at the vault root.
type Config struct {
	Vault struct {
		ID string `yaml:"id"`
	} `yaml:"vault"`
	Detector struct {
		PollInterval    Duration `yaml:"poll_interval"`
		StabilityCycles int      `yaml:"stability_cycles"`
	} `yaml:"detector"`
	Orchestrator struct {
		PollInterval    Duration `yaml:"poll_interval"`
		LeaseTimeout    Duration `yaml:"lease_timeout"`
		MaxAttempts     int      `yaml:"max_attempts"`
		BackoffCap      Duration `yaml:"backoff_cap"`
		ArchiveRejected bool     `yaml:"archive_rejected"`
	} `yaml:"orchestrator"`
	Collaborator struct {
		Command []string `yaml:"command"`
		Timeout Duration `yaml:"timeout"`
		Docs    []string `yaml:"docs"`
	} `yaml:"collaborator"`
	Audit struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Path returns the config file path for a vault root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "vaultline.yml")
}

// Load reads and validates config from the vault root.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; scaffold with vl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(root, vaultID string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(vaultID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Vault.ID == "" {
		return fmt.Errorf("config.vault.id is required")
	}
	if c.Detector.PollInterval <= 0 {
		return fmt.Errorf("config.detector.poll_interval must be positive")
	}
	if c.Detector.StabilityCycles < 1 {
		return fmt.Errorf("config.detector.stability_cycles must be at least 1")
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("config.orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.LeaseTimeout <= 0 {
		return fmt.Errorf("config.orchestrator.lease_timeout must be positive")
	}
	if c.Orchestrator.LeaseTimeout <= c.Orchestrator.PollInterval {
		return fmt.Errorf("config.orchestrator.lease_timeout must exceed the poll interval")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("config.orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.BackoffCap <= 0 {
		return fmt.Errorf("config.orchestrator.backoff_cap must be positive")
	}
	if c.Collaborator.Timeout <= 0 {
		return fmt.Errorf("config.collaborator.timeout must be positive")
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("config.audit.retention_days must be at least 1")
	}
	for _, doc := range c.Collaborator.Docs {
		if doc == "" {
			return fmt.Errorf("config.collaborator.docs contains an empty path")
		}
	}
	return nil
}

// Default returns the default config for a vault.
func Default(vaultID string) *Config {
	var cfg Config
	cfg.Vault.ID = vaultID
	cfg.Detector.PollInterval = Duration(5 * time.Second)
	cfg.Detector.StabilityCycles = 2
	cfg.Orchestrator.PollInterval = Duration(30 * time.Second)
	cfg.Orchestrator.LeaseTimeout = Duration(10 * time.Minute)
	cfg.Orchestrator.MaxAttempts = 3
	cfg.Orchestrator.BackoffCap = Duration(5 * time.Minute)
	cfg.Collaborator.Timeout = Duration(5 * time.Minute)
	cfg.Collaborator.Docs = []string{"Company_Handbook.md"}
	cfg.Audit.RetentionDays = 30
	cfg.Server.Addr = "127.0.0.1:8787"
	return &cfg
}

// GenerateDefault returns default config YAML for scaffolding.
func GenerateDefault(vaultID string) string {
	return fmt.Sprintf(defaultTemplate, vaultID)
}

const defaultTemplate = `vault:
  id: %s

detector:
  poll_interval: 5s
  stability_cycles: 2

orchestrator:
  poll_interval: 30s
  lease_timeout: 10m
  max_attempts: 3
  backoff_cap: 5m
  archive_rejected: false

collaborator:
  # external reasoning agent; the record path is appended as the last argument
  command: [qwen, --decide]
  timeout: 5m
  docs:
    - Company_Handbook.md

audit:
  retention_days: 30

server:
  addr: 127.0.0.1:8787
`
