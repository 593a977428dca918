package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	DefaultNetwork string `yaml:"default_network"`

	// Networks is keyed by network name; aliases such as "ethereum" are
	// folded onto the canonical name during Load.
	Networks map[string]Network `yaml:"networks"`

	Tx struct {
		GasLimitMultiplier  float64  `yaml:"gas_limit_multiplier"`
		MinGasPriceGwei     float64  `yaml:"min_gas_price_gwei"`
		GasPriceRefresh     Duration `yaml:"gas_price_refresh"`
		Confirmations       *uint64  `yaml:"confirmations"`
		ReceiptPollInterval Duration `yaml:"receipt_poll_interval"`
		ReceiptRetryMax     int      `yaml:"receipt_retry_max"`
	} `yaml:"tx"`

	KeyStore struct {
		Dir           string `yaml:"dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
	} `yaml:"keystore"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`
}

type Network struct {
	RPC struct {
		HTTP string `yaml:"http"`
	} `yaml:"rpc"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RetryMax       int      `yaml:"retry_max"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	out := make(map[string]Network, len(c.Networks))
	for name, n := range c.Networks {
		canonical, err := chain.Parse(name)
		if err != nil || name == "" {
			return fmt.Errorf("networks: unknown network %q", name)
		}
		if _, dup := out[canonical.String()]; dup {
			return fmt.Errorf("networks: %q configured twice", canonical)
		}
		out[canonical.String()] = n
	}
	c.Networks = out
	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultNetwork == "" {
		c.DefaultNetwork = chain.Ethereum.String()
	}
	for name, n := range c.Networks {
		if n.RequestTimeout.Duration == 0 {
			n.RequestTimeout = Duration{Duration: 15 * time.Second}
		}
		if n.RetryMax == 0 {
			n.RetryMax = 3
		}
		if n.RetryBackoff.Duration == 0 {
			n.RetryBackoff = Duration{Duration: 500 * time.Millisecond}
		}
		c.Networks[name] = n
	}
	if c.Tx.GasLimitMultiplier == 0 {
		c.Tx.GasLimitMultiplier = 1.2
	}
	if c.Tx.GasPriceRefresh.Duration == 0 {
		c.Tx.GasPriceRefresh = Duration{Duration: 15 * time.Second}
	}
	if c.Tx.Confirmations == nil {
		confirmations := uint64(3)
		c.Tx.Confirmations = &confirmations
	}
	if c.Tx.ReceiptPollInterval.Duration == 0 {
		c.Tx.ReceiptPollInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Tx.ReceiptRetryMax == 0 {
		c.Tx.ReceiptRetryMax = 150
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "CRYPTOCURVE_KEYSTORE_PASSPHRASE"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/transactions.json"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

func (c *Config) validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	for name, n := range c.Networks {
		if n.RPC.HTTP == "" {
			return fmt.Errorf("networks.%s.rpc.http is required", name)
		}
		if n.RetryMax < 0 {
			return fmt.Errorf("networks.%s.retry_max must be >= 0", name)
		}
	}
	def, err := chain.Parse(c.DefaultNetwork)
	if err != nil {
		return fmt.Errorf("default_network: unknown network %q", c.DefaultNetwork)
	}
	if _, ok := c.Networks[def.String()]; !ok {
		return fmt.Errorf("default_network %q has no networks entry", def)
	}
	c.DefaultNetwork = def.String()
	if c.Tx.GasLimitMultiplier < 1 {
		return fmt.Errorf("tx.gas_limit_multiplier must be >= 1")
	}
	if c.Tx.MinGasPriceGwei < 0 {
		return fmt.Errorf("tx.min_gas_price_gwei must be >= 0")
	}
	if c.Tx.ReceiptRetryMax < 1 {
		return fmt.Errorf("tx.receipt_retry_max must be >= 1")
	}
	return nil
}

// Network returns the settings for a configured network.
func (c *Config) Network(n chain.Network) (Network, bool) {
	cfg, ok := c.Networks[n.String()]
	return cfg, ok
}

// Configured lists the configured networks in a stable order.
func (c *Config) Configured() []chain.Network {
	out := make([]chain.Network, 0, len(c.Networks))
	for name := range c.Networks {
		out = append(out, chain.Network(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
