// Package config loads and validates the relayer configuration from a
// YAML file. Environment references like ${RELAYER_ADMIN_SECRET} are
// expanded before parsing so secrets never need to live in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the full relayer configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	EVM        EVMConfig        `yaml:"evm"`
	Move       MoveConfig       `yaml:"move"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Pairing    PairingConfig    `yaml:"pairing"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Push       PushConfig       `yaml:"push"`
	Cache      CacheConfig      `yaml:"cache"`
	Bus        BusConfig        `yaml:"bus"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings (admin API + push endpoint).
type ServerConfig struct {
	Host string `yaml:"host" default:"0.0.0.0"`
	Port int    `yaml:"port" default:"8081" validate:"min=1,max=65535"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// EVMConfig contains settings for the EVM chain observer and executor.
type EVMConfig struct {
	RPCURL  string `yaml:"rpc_url" validate:"required,url"`
	PushURL string `yaml:"push_url" validate:"omitempty,url"`
	ChainID int64  `yaml:"chain_id" validate:"required"`
	// HTLCAddress is the deployed HTLC contract watched for
	// Deposit/Withdraw/Refund events.
	HTLCAddress       string `yaml:"htlc_address" validate:"required,eth_addr"`
	StartBlock        uint64 `yaml:"start_block"`
	Confirmations     uint64 `yaml:"confirmations" default:"12"`
	RelayerPrivateKey string `yaml:"relayer_private_key"`
	GasLimit          uint64 `yaml:"gas_limit" default:"300000"`
	// MaxGasPrice caps the suggested gas price, in wei. No cap when empty.
	MaxGasPrice string `yaml:"max_gas_price"`
}

// MoveConfig contains settings for the Sui observer and executor.
type MoveConfig struct {
	RPCURL          string `yaml:"rpc_url" validate:"required,url"`
	Network         string `yaml:"network" default:"testnet" validate:"oneof=mainnet testnet devnet localnet"`
	PackageID       string `yaml:"package_id" validate:"required"`
	StartCheckpoint uint64 `yaml:"start_checkpoint"`
	// RelayerPrivateKey is the ed25519 seed, hex or base64 encoded.
	RelayerPrivateKey string `yaml:"relayer_private_key"`
	GasBudget         uint64 `yaml:"gas_budget" default:"10000000"`
	// GasObject pins the coin object used to pay gas; auto-selected
	// by the node when empty.
	GasObject string `yaml:"gas_object"`
}

// MonitoringConfig contains observer polling and metrics settings.
type MonitoringConfig struct {
	// Enabled is a pointer so an explicit "false" survives the
	// defaulting pass.
	Enabled        *bool    `yaml:"enabled" default:"true"`
	PollInterval   Duration `yaml:"poll_interval"`
	MaxRetries     int      `yaml:"max_retries" default:"3"`
	RetryDelay     Duration `yaml:"retry_delay"`
	BatchSizeEVM   uint64   `yaml:"batch_size_evm" default:"1000"`
	BatchSizeMove  uint64   `yaml:"batch_size_move" default:"100"`
	BackfillBlocks uint64   `yaml:"backfill_blocks" default:"10000"`
}

// IsEnabled reports whether the chain observers should run.
func (c MonitoringConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PairingConfig tunes the compatibility rule applied when the second
// HTLC of a swap is observed.
type PairingConfig struct {
	// EnforceReceiver additionally requires equal receiver addresses on
	// both sides. Off by default because address formats differ across
	// chains.
	EnforceReceiver bool `yaml:"enforce_receiver"`
}

// ExpiryConfig contains coordinator timer settings.
type ExpiryConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	TerminalGrace Duration `yaml:"terminal_grace"`
	// MaxTimelock rejects HTLCs locked further into the future than
	// this bound (default one year).
	MaxTimelock Duration `yaml:"max_timelock"`
}

// PushConfig contains push hub liveness settings.
type PushConfig struct {
	Heartbeat   Duration `yaml:"heartbeat"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	SendBuffer  int      `yaml:"send_buffer" default:"256"`
}

// CacheConfig contains hot cache sizing and TTLs.
type CacheConfig struct {
	SwapCapacity int      `yaml:"swap_capacity" default:"10000"`
	EventTTL     Duration `yaml:"event_ttl"`
	QueryTTL     Duration `yaml:"query_ttl"`
}

// BusConfig sizes the canonical event bus and its consumer pool.
type BusConfig struct {
	Capacity int `yaml:"capacity" default:"1024"`
	Workers  int `yaml:"workers" default:"4"`
}

// AuthConfig guards the forced-action admin endpoints.
type AuthConfig struct {
	// AdminSecret signs/validates HS256 admin tokens. Forced actions
	// are disabled when empty.
	AdminSecret string `yaml:"admin_secret"`
	Issuer      string `yaml:"issuer" default:"htlc-relayer"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json"`
	OutputPath string `yaml:"output_path"`
}

// Duration decodes YAML duration strings ("5s", "5m") as well as bare
// integers, which are read as milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Load reads, expands, defaults, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	cfg.setDurationDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// setDurationDefaults fills zero Duration fields. Duration carries a
// custom YAML decoder, so the tag-driven defaults cannot reach it.
func (c *Config) setDurationDefaults() {
	setIfZero := func(d *Duration, v time.Duration) {
		if *d == 0 {
			*d = Duration(v)
		}
	}

	setIfZero(&c.Monitoring.PollInterval, 5*time.Second)
	setIfZero(&c.Monitoring.RetryDelay, time.Second)
	setIfZero(&c.Expiry.SweepInterval, 5*time.Minute)
	setIfZero(&c.Expiry.TerminalGrace, 5*time.Minute)
	setIfZero(&c.Expiry.MaxTimelock, 365*24*time.Hour)
	setIfZero(&c.Push.Heartbeat, 15*time.Second)
	setIfZero(&c.Push.IdleTimeout, 30*time.Second)
	setIfZero(&c.Cache.EventTTL, 24*time.Hour)
	setIfZero(&c.Cache.QueryTTL, 30*time.Second)
}
