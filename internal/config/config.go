package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	PollIntervalSeconds int      `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	StateFile           string   `yaml:"state_file" json:"state_file"`
	LogLevel            string   `yaml:"log_level" json:"log_level"`
	TimeoutSeconds      int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Sources             []Source `yaml:"sources" json:"sources"`
}

// Destination holds the connection parameters for the IMAP server that
// messages are delivered to. Several sources may share one destination.
type Destination struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Username   string `yaml:"username" json:"username"`
	Password   string `yaml:"password" json:"password"`
	Folder     string `yaml:"folder" json:"folder"`
	Encryption string `yaml:"encryption" json:"encryption"`
}

// Source describes one mailbox to pull messages from.
type Source struct {
	Name                string      `yaml:"name" json:"name"`
	Protocol            string      `yaml:"protocol" json:"protocol"` // "imap" or "pop3"
	Host                string      `yaml:"host" json:"host"`
	Port                int         `yaml:"port" json:"port"`
	Username            string      `yaml:"username" json:"username"`
	Password            string      `yaml:"password" json:"password"`
	Encryption          string      `yaml:"encryption" json:"encryption"` // "ssl", "starttls" or "none"
	Folder              string      `yaml:"folder" json:"folder"`
	SearchCriteria      string      `yaml:"search_criteria" json:"search_criteria"`
	DeleteAfterTransfer bool        `yaml:"delete_after_transfer" json:"delete_after_transfer"`
	PollIntervalSeconds int         `yaml:"poll_interval" json:"poll_interval"`
	Destination         Destination `yaml:"destination" json:"destination"`
}

// PollInterval returns the global poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Timeout returns the connect timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SourceInterval returns the poll interval for one source, falling back to
// the global interval when the source carries no override.
func (c *Config) SourceInterval(s Source) time.Duration {
	if s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return c.PollInterval()
}

// Load reads and parses a configuration file. Files ending in .json are
// parsed as JSON, everything else as YAML. The state file path is resolved
// relative to the configuration file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		PollIntervalSeconds: 300,
		StateFile:           "state.json",
		LogLevel:            "info",
		TimeoutSeconds:      30,
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if !filepath.IsAbs(cfg.StateFile) {
		cfg.StateFile = filepath.Join(filepath.Dir(path), cfg.StateFile)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		s.Protocol = strings.ToLower(s.Protocol)
		s.Encryption = normalizeEncryption(s.Encryption)
		if s.Port == 0 {
			switch s.Protocol {
			case "imap":
				s.Port = 993
			case "pop3":
				s.Port = 995
			}
		}
		if s.Folder == "" {
			s.Folder = "INBOX"
		}
		if s.SearchCriteria == "" {
			s.SearchCriteria = "UNSEEN"
		}

		d := &s.Destination
		d.Encryption = normalizeEncryption(d.Encryption)
		if d.Port == 0 {
			d.Port = 993
		}
		if d.Folder == "" {
			d.Folder = "INBOX"
		}
	}
}

func normalizeEncryption(mode string) string {
	if mode == "" {
		return "ssl"
	}
	return strings.ToLower(mode)
}

func (c *Config) validate() error {
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source #%d: name is required", i)
		}
		label := s.Name
		if seen[label] {
			return fmt.Errorf("source %s: duplicate name", label)
		}
		seen[label] = true

		if s.Protocol != "imap" && s.Protocol != "pop3" {
			return fmt.Errorf("source %s: protocol must be imap or pop3", label)
		}
		if s.Host == "" {
			return fmt.Errorf("source %s: host is required", label)
		}
		if err := validateEncryption(s.Encryption); err != nil {
			return fmt.Errorf("source %s: %w", label, err)
		}
		if s.PollIntervalSeconds < 0 {
			return fmt.Errorf("source %s: poll_interval must be positive", label)
		}
		if s.Destination.Host == "" {
			return fmt.Errorf("source %s: destination.host is required", label)
		}
		if err := validateEncryption(s.Destination.Encryption); err != nil {
			return fmt.Errorf("source %s: destination: %w", label, err)
		}
	}
	return nil
}

func validateEncryption(mode string) error {
	switch mode {
	case "ssl", "starttls", "none":
		return nil
	}
	return fmt.Errorf("unsupported encryption mode: %s", mode)
}
