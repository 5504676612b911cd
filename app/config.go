package app

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coreconfig "github.com/m3rciful/savebot/core/config"
	coredatabase "github.com/m3rciful/savebot/core/database"
	"github.com/m3rciful/savebot/download"
	"github.com/m3rciful/savebot/mtproto"
)

// Config aggregates the bot's full configuration: the reusable core plus the
// database, user-client, and download settings this bot adds.
type Config struct {
	Core      coreconfig.Config   `yaml:",inline"`
	Database  coredatabase.Config `yaml:"database"`
	MTProto   mtproto.Config      `yaml:"mtproto"`
	Downloads download.Config     `yaml:"downloads"`

	// LinkHost is the host accepted in post links.
	LinkHost string `yaml:"link_host" envconfig:"LINK_HOST"`
}

// CoreConfig exposes the embedded core configuration for the shared runner.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Core }

// LoadConfig reads configuration from a YAML file and environment variables.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := coreconfig.Normalize(&cfg.Core); err != nil {
		return nil, err
	}
	if err := cfg.MTProto.Validate(); err != nil {
		return nil, err
	}
	cfg.Downloads.Normalize()
	if cfg.LinkHost == "" {
		cfg.LinkHost = "t.me"
	}
	if len(cfg.Core.Access.Admins) == 0 {
		return nil, fmt.Errorf("access.admins must list at least one user id")
	}
	return &cfg, nil
}
