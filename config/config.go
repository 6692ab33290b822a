package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the hub's startup configuration. The Routing/Clearing/Timeouts
// subsections are runtime-mutable through the Dynamic holder; the rest
// requires a restart.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	StorageDSN     string `toml:"StorageDSN"`
	KeystorePath   string `toml:"KeystorePath"`
	Environment    string `toml:"Environment"`
	// AdminPIDs may issue COMPENSATION, CONFIG_SET and INTEGRITY_UNLOCK
	// requests.
	AdminPIDs []string `toml:"AdminPIDs"`

	Routing   RoutingConfig   `toml:"Routing"`
	Clearing  ClearingConfig  `toml:"Clearing"`
	Timeouts  TimeoutConfig   `toml:"Timeouts"`
	Integrity IntegrityConfig `toml:"Integrity"`
}

// RoutingConfig bounds route search.
type RoutingConfig struct {
	MaxPathLength      int   `toml:"MaxPathLength"`
	MaxPathsPerPayment int   `toml:"MaxPathsPerPayment"`
	TimeoutMillis      int64 `toml:"TimeoutMillis"`
	LargePaymentMode   bool  `toml:"LargePaymentMode"`
}

// ClearingConfig bounds cycle detection and execution.
type ClearingConfig struct {
	TriggerCyclesMaxLength int    `toml:"TriggerCyclesMaxLength"`
	MinClearingAmount      string `toml:"MinClearingAmount"`
	MaxCyclesPerRun        int    `toml:"MaxCyclesPerRun"`
	ConsentTimeoutSeconds  int64  `toml:"ConsentTimeoutSeconds"`
	FiveCycleSweepMinutes  int64  `toml:"FiveCycleSweepMinutes"`
	SixCycleSweepMinutes   int64  `toml:"SixCycleSweepMinutes"`
}

// TimeoutConfig holds the 2PC and request deadlines.
type TimeoutConfig struct {
	PrepareMillis        int64 `toml:"PrepareMillis"`
	CommitMillis         int64 `toml:"CommitMillis"`
	OverallMillis        int64 `toml:"OverallMillis"`
	MaxClockDriftSeconds int64 `toml:"MaxClockDriftSeconds"`
}

// IntegrityConfig schedules the invariant checks.
type IntegrityConfig struct {
	BalanceCheckMinutes  int64 `toml:"BalanceCheckMinutes"`
	SymmetryCheckMinutes int64 `toml:"SymmetryCheckMinutes"`
	ChecksumMinutes      int64 `toml:"ChecksumMinutes"`
	FullAuditHours       int64 `toml:"FullAuditHours"`
}

// Default returns the configuration the hub ships with.
func Default() *Config {
	return &Config{
		ListenAddress:  ":7001",
		MetricsAddress: ":9402",
		DataDir:        "./creditnet-data",
		Environment:    "dev",
		Routing: RoutingConfig{
			MaxPathLength:      6,
			MaxPathsPerPayment: 3,
			TimeoutMillis:      500,
		},
		Clearing: ClearingConfig{
			TriggerCyclesMaxLength: 4,
			MinClearingAmount:      "0.01",
			MaxCyclesPerRun:        32,
			ConsentTimeoutSeconds:  60,
			FiveCycleSweepMinutes:  60,
			SixCycleSweepMinutes:   24 * 60,
		},
		Timeouts: TimeoutConfig{
			PrepareMillis:        3_000,
			CommitMillis:         5_000,
			OverallMillis:        10_000,
			MaxClockDriftSeconds: 300,
		},
		Integrity: IntegrityConfig{
			BalanceCheckMinutes:  5,
			SymmetryCheckMinutes: 15,
			ChecksumMinutes:      60,
			FullAuditHours:       24,
		},
	}
}

// Load reads the configuration from path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
