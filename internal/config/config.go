package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":8080"
	} `yaml:"http"`

	Store struct {
		Path string `yaml:"path"` // sqlite file; empty means in-memory
	} `yaml:"store"`

	Engine struct {
		SendInterval     time.Duration `yaml:"send_interval"`
		DefaultProvider  string        `yaml:"default_provider"`
		PreferPopup      bool          `yaml:"prefer_popup"`
		ExpirySweepEvery time.Duration `yaml:"expiry_sweep_every"`
	} `yaml:"engine"`

	// Per-provider config strings, passed verbatim to each provider's
	// Configure. Only listed providers are registered.
	Providers map[string]string `yaml:"providers"`

	// Channels subscribed at startup.
	Channels []string `yaml:"channels"`
}

// Load supports comma-separated config files: "-c common.yml,pushbox.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,pushbox.yml)")
	}
	var c Config
	paths := strings.Split(pathList, ",")
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Engine.SendInterval <= 0 {
		c.Engine.SendInterval = 60 * time.Second
	}
	if c.Engine.ExpirySweepEvery <= 0 {
		c.Engine.ExpirySweepEvery = time.Hour
	}
	if c.Engine.DefaultProvider == "" {
		c.Engine.DefaultProvider = "rest"
	}
	if c.Providers == nil {
		c.Providers = map[string]string{"rest": ""}
	}
}
