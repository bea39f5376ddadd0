package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the warehouse connection settings.
// Supported drivers: postgres, mysql, sqlite.
// For sqlite only Database is used (the file path, or ":memory:").
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"ZC_DB_DRIVER"`
	Server   string `yaml:"server" env:"ZC_DB_SERVER"`
	Database string `yaml:"database" env:"ZC_DB_DATABASE"`
	Username string `yaml:"username" env:"ZC_DB_USERNAME"`
	Password string `yaml:"password" env:"ZC_DB_PASSWORD"`
}

// Instance defines a single Zabbix deployment to poll, tied to one plant.
// Exactly one of Token or Username/Password must be set.
type Instance struct {
	URL       string `yaml:"url"`
	PlantName string `yaml:"plant_name"`
	Token     string `yaml:"token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// ProvisionToken makes the pipeline exchange the username/password for a
	// named long-lived API token (reusing an unexpired one when present)
	// instead of collecting on the short-lived login session.
	ProvisionToken bool `yaml:"provision_token"`
}

// Config is the root configuration structure.
type Config struct {
	Database  DatabaseConfig `yaml:"database"`
	Instances []Instance     `yaml:"zabbix_instances"`

	// GroupName is the Zabbix host group to enumerate. Defaults to "Servers".
	GroupName string `yaml:"group_name"`

	// Workers bounds how many instances are polled concurrently. Defaults to 5.
	Workers int `yaml:"workers"`
}

// Credentials is the resolved authentication method for one instance:
// either a pre-issued API token or a username/password pair.
type Credentials interface {
	credentials()
}

// Token is a pre-issued Zabbix API token used as-is, without a login call.
type Token string

// UserPass is a username/password pair exchanged for a session via user.login.
type UserPass struct {
	Username string
	Password string
}

func (Token) credentials()    {}
func (UserPass) credentials() {}

// Credentials resolves the instance's authentication method.
// Returns an error when neither a token nor a full credential pair is present.
func (i Instance) Credentials() (Credentials, error) {
	if i.Token != "" {
		return Token(i.Token), nil
	}
	if i.Username != "" && i.Password != "" {
		return UserPass{Username: i.Username, Password: i.Password}, nil
	}
	return nil, fmt.Errorf("config: instance %s: neither token nor username/password provided", i.URL)
}

// Load reads the YAML config at path, applies environment overrides and
// validates the result. Credential presence is checked here so a broken
// instance entry fails at startup, not mid-run.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}

	if cfg.GroupName == "" {
		cfg.GroupName = "Servers"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("config: database.driver is required")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: no zabbix_instances configured")
	}
	for _, inst := range c.Instances {
		if inst.URL == "" {
			return fmt.Errorf("config: instance with empty url")
		}
		if inst.PlantName == "" {
			return fmt.Errorf("config: instance %s: plant_name is required", inst.URL)
		}
		if _, err := inst.Credentials(); err != nil {
			return err
		}
	}
	return nil
}
