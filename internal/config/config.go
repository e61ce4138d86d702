// Package config loads and validates the application configuration from a
// YAML file. The configuration covers the identity provider coordinates, the
// bridge transport, and ambient settings such as logging and proxying.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default identity-provider coordinates for the hosted Bodhi realm.
const (
	DefaultAuthURL     = "https://id.getbodhi.app"
	DefaultRealm       = "bodhi"
	DefaultClientID    = "client-bodhi-browser"
	DefaultRedirectURI = "http://localhost:54546/bodhi/auth/callback"
	DefaultBridgeURL   = "http://localhost:1135"
)

// BridgeConfig selects and configures the transport to the counterpart
// application.
type BridgeConfig struct {
	// Mode is "http" for the direct transport or "websocket" for the
	// extension relay.
	Mode string `yaml:"mode"`
	// URL is the base URL (http mode) or relay endpoint (websocket mode).
	URL string `yaml:"url"`
}

// Config holds the application configuration.
type Config struct {
	// AuthURL is the identity provider base URL.
	AuthURL string `yaml:"auth-url"`
	// Realm is the identity provider realm name.
	Realm string `yaml:"realm"`
	// ClientID identifies this application at the identity provider.
	ClientID string `yaml:"client-id"`
	// RedirectURI is the registered OAuth callback location.
	RedirectURI string `yaml:"redirect-uri"`
	// Bridge configures the transport to the counterpart application.
	Bridge BridgeConfig `yaml:"bridge"`
	// ProxyURL routes outbound identity-provider traffic through a proxy.
	ProxyURL string `yaml:"proxy-url"`
	// AuthDir is the directory holding the persisted session file.
	AuthDir string `yaml:"auth-dir"`
	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`
	// LogsMaxTotalSizeMB caps total log directory size; 0 disables cleanup.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.RedirectURI == "" {
		c.RedirectURI = DefaultRedirectURI
	}
	if c.Bridge.Mode == "" {
		c.Bridge.Mode = "http"
	}
	if c.Bridge.URL == "" {
		c.Bridge.URL = DefaultBridgeURL
	}
	if c.AuthDir == "" {
		c.AuthDir = "~/.bridgeauth"
	}
	c.AuthURL = strings.TrimSuffix(c.AuthURL, "/")
}

// Validate rejects configurations the clients cannot work with.
func (c *Config) Validate() error {
	switch c.Bridge.Mode {
	case "http", "websocket":
	default:
		return fmt.Errorf("config: unsupported bridge mode %q", c.Bridge.Mode)
	}
	return nil
}

// LoadConfig reads and parses the configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", configFile, err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but treats a missing file as an
// all-defaults configuration when optional is true.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if optional && os.IsNotExist(unwrapPathError(err)) {
			cfg = &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func unwrapPathError(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return err
}
