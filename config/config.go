package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"market-feeder/feed/types"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	defaultListenAddr      = "0.0.0.0:7171"
	defaultSrvWriteTimeout = 15 * time.Second
	defaultSrvReadTimeout  = 15 * time.Second
)

var (
	validate = validator.New()

	// ErrEmptyConfigPath defines a sentinel error for an empty config path.
	ErrEmptyConfigPath = errors.New("empty configuration file path")

	// SupportedAdapters defines a lookup table of all the market data
	// adapters a tab may select as its source.
	SupportedAdapters = map[string]struct{}{
		"deribit":   {},
		"bloomberg": {},
	}
)

type (
	// Config defines all necessary market-feeder configuration parameters.
	Config struct {
		Server           Server            `toml:"server"`
		Tabs             []Tab             `toml:"tabs" validate:"required,gt=0,dive"`
		AdapterEndpoints []AdapterEndpoint `toml:"adapter_endpoints" validate:"dive"`
		Translations     map[string]string `toml:"translations"`
		CredentialsFile  string            `toml:"credentials_file"`
	}

	// Server defines the API server configuration.
	Server struct {
		ListenAddr     string   `toml:"listen_addr"`
		WriteTimeout   string   `toml:"write_timeout"`
		ReadTimeout    string   `toml:"read_timeout"`
		AllowedOrigins []string `toml:"allowed_origins"`
		EnableServer   bool     `toml:"enable_server"`
	}

	// Tab defines a user facing instrument grouping: one underlying, one
	// settlement convention, one source adapter.
	Tab struct {
		TabName    string `toml:"tab_name" validate:"required"`
		BaseSymbol string `toml:"base_symbol" validate:"required"`
		Settlement string `toml:"settlement" validate:"required,oneof=coin usd"`
		Source     string `toml:"source" validate:"required"`
	}

	// AdapterEndpoint defines an override setting in our config for the
	// hardcoded rest and websocket api endpoints.
	AdapterEndpoint struct {
		Name      string `toml:"name" validate:"required"`
		Rest      string `toml:"rest"`
		Websocket string `toml:"websocket"`
	}
)

// ToTabConfig converts the toml representation into the feed domain type.
func (t Tab) ToTabConfig() types.TabConfig {
	return types.TabConfig{
		TabName:    t.TabName,
		BaseSymbol: t.BaseSymbol,
		Settlement: t.Settlement,
		Source:     t.Source,
	}
}

// TabConfigs converts all configured tabs.
func (c Config) TabConfigs() []types.TabConfig {
	tabs := make([]types.TabConfig, len(c.Tabs))
	for i, t := range c.Tabs {
		tabs[i] = t.ToTabConfig()
	}
	return tabs
}

// Validate returns an error if the Config object is invalid.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// ParseConfig attempts to read and parse configuration from the given file path.
// An error is returned if reading or parsing the config fails.
func ParseConfig(configPath string) (Config, error) {
	var cfg Config

	if configPath == "" {
		return cfg, ErrEmptyConfigPath
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if _, err := toml.Decode(string(configData), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if len(cfg.Server.WriteTimeout) == 0 {
		cfg.Server.WriteTimeout = defaultSrvWriteTimeout.String()
	}
	if len(cfg.Server.ReadTimeout) == 0 {
		cfg.Server.ReadTimeout = defaultSrvReadTimeout.String()
	}

	tabNames := make(map[string]struct{}, len(cfg.Tabs))
	for _, tab := range cfg.Tabs {
		if _, ok := tabNames[tab.TabName]; ok {
			return cfg, fmt.Errorf("duplicate tab name: %s", tab.TabName)
		}
		tabNames[tab.TabName] = struct{}{}

		if _, ok := SupportedAdapters[tab.Source]; !ok {
			return cfg, fmt.Errorf("unsupported adapter: %s", tab.Source)
		}
	}

	for _, endpoint := range cfg.AdapterEndpoints {
		if _, ok := SupportedAdapters[endpoint.Name]; !ok {
			return cfg, fmt.Errorf("unsupported endpoint adapter: %s", endpoint.Name)
		}
	}

	return cfg, cfg.Validate()
}
