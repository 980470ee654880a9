package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const appName = "nodewarden"

// Config is the panel process configuration.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		APIToken string `yaml:"api_token"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Agents struct {
		TimeoutRaw       string        `yaml:"timeout"`
		SweepIntervalRaw string        `yaml:"sweep_interval"`
		AuthScheme       string        `yaml:"auth_scheme"`
		Timeout          time.Duration `yaml:"-"`
		SweepInterval    time.Duration `yaml:"-"`
	} `yaml:"agents"`
	Nodes []NodeConfig `yaml:"nodes"`
	SSH   struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
	} `yaml:"ssh"`
	Bootstrap struct {
		AgentBinary string `yaml:"agent_binary"`
		InstallDir  string `yaml:"install_dir"`
		DataDir     string `yaml:"data_dir"`
		AgentPort   int    `yaml:"agent_port"`
	} `yaml:"bootstrap"`
	Telemetry struct {
		Enabled          bool          `yaml:"enabled"`
		MonitoringAddr   string        `yaml:"monitoring_addr"`
		FlushIntervalRaw string        `yaml:"flush_interval"`
		FlushInterval    time.Duration `yaml:"-"`
		OTLPEndpoint     string        `yaml:"otlp_endpoint"`
		Profiling        bool          `yaml:"profiling"`
	} `yaml:"telemetry"`
}

// NodeConfig declares a node statically; it is probed on discovery.
type NodeConfig struct {
	ID      string `yaml:"id"`
	UUID    string `yaml:"uuid"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// APINodes converts the static node list.
func (c Config) APINodes() []api.Node {
	out := make([]api.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		id := n.ID
		if id == "" {
			id = n.UUID
		}
		out = append(out, api.Node{ID: id, UUID: n.UUID, BaseURL: n.BaseURL, APIKey: n.APIKey})
	}
	return out
}

// Dir resolves $XDG_CONFIG_HOME/nodewarden or ~/.config/nodewarden.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// DataDir resolves $XDG_DATA_HOME/nodewarden or ~/.local/share/nodewarden.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, appName)
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML configuration from path. With an empty path the default
// location is used, and a missing default file yields the defaults. Secrets
// from secrets.env next to the config file and the environment are merged last.
func Load(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	cfg.mergeSecrets(secrets, os.Environ())

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) parseDurations() error {
	for _, d := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"agents.timeout", c.Agents.TimeoutRaw, &c.Agents.Timeout},
		{"agents.sweep_interval", c.Agents.SweepIntervalRaw, &c.Agents.SweepInterval},
		{"telemetry.flush_interval", c.Telemetry.FlushIntervalRaw, &c.Telemetry.FlushInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.field, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "nodewarden.db")
	}
	if c.Agents.Timeout <= 0 {
		c.Agents.Timeout = 10 * time.Second
	}
	if c.Agents.SweepInterval <= 0 {
		c.Agents.SweepInterval = 30 * time.Second
	}
	if c.Agents.AuthScheme == "" {
		c.Agents.AuthScheme = "Bearer"
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = filepath.Join(Dir(), "keys")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(Dir(), "known_hosts")
	}
	if c.SSH.User == "" {
		c.SSH.User = "root"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.Bootstrap.InstallDir == "" {
		c.Bootstrap.InstallDir = "/usr/local/bin"
	}
	if c.Bootstrap.DataDir == "" {
		c.Bootstrap.DataDir = "/var/lib/nodewarden"
	}
	if c.Bootstrap.AgentPort == 0 {
		c.Bootstrap.AgentPort = 8443
	}
	if c.Telemetry.MonitoringAddr == "" {
		c.Telemetry.MonitoringAddr = ":9091"
	}
}

const nodeTokenPrefix = "NODEWARDEN_NODE_TOKEN_"

// mergeSecrets applies secrets.env values, then environment values, so the
// environment wins. Node tokens are keyed by upper-cased uuid with dashes
// replaced by underscores.
func (c *Config) mergeSecrets(secrets map[string]string, environ []string) {
	merged := make(map[string]string, len(secrets))
	for k, v := range secrets {
		merged[k] = v
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if k == "NODEWARDEN_API_TOKEN" || strings.HasPrefix(k, nodeTokenPrefix) {
			merged[k] = v
		}
	}

	if v := merged["NODEWARDEN_API_TOKEN"]; v != "" {
		c.Server.APIToken = v
	}
	for i := range c.Nodes {
		if v := merged[NodeTokenEnv(c.Nodes[i].UUID)]; v != "" {
			c.Nodes[i].APIKey = v
		}
	}
}

// NodeTokenEnv is the variable that carries a node's daemon token.
func NodeTokenEnv(nodeUUID string) string {
	return nodeTokenPrefix + strings.ToUpper(strings.ReplaceAll(nodeUUID, "-", "_"))
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: '%s'): %s", e.Field, e.Value, e.Message)
}

// Validate checks the static node list and the agent settings.
func (c Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if n.UUID == "" {
			errs = append(errs, ValidationError{Field: field + ".uuid", Message: "uuid is required"})
		} else if seen[n.UUID] {
			errs = append(errs, ValidationError{Field: field + ".uuid", Value: n.UUID, Message: "duplicate node uuid"})
		}
		seen[n.UUID] = true
		if !strings.HasPrefix(n.BaseURL, "http://") && !strings.HasPrefix(n.BaseURL, "https://") {
			errs = append(errs, ValidationError{Field: field + ".base_url", Value: n.BaseURL, Message: "base_url must be an http(s) url"})
		}
	}
	if c.Agents.Timeout > 5*time.Minute {
		errs = append(errs, ValidationError{Field: "agents.timeout", Value: c.Agents.Timeout.String(), Message: "timeout must not exceed 5m"})
	}
	if c.Bootstrap.AgentPort < 0 || c.Bootstrap.AgentPort > 65535 {
		errs = append(errs, ValidationError{Field: "bootstrap.agent_port", Value: fmt.Sprint(c.Bootstrap.AgentPort), Message: "port must be between 1 and 65535"})
	}
	return errors.Join(errs...)
}
