package config

import (
	"fmt"
	"strconv"
	"sync"
)

// Dynamic holds the runtime-mutable configuration snapshot. Engines read the
// current snapshot at the start of each operation; updates swap it
// atomically and are audited by the caller.
type Dynamic struct {
	mu  sync.RWMutex
	cfg Config
}

// NewDynamic seeds the holder from a validated configuration.
func NewDynamic(cfg *Config) *Dynamic {
	return &Dynamic{cfg: *cfg}
}

// Snapshot returns a copy of the current configuration.
func (d *Dynamic) Snapshot() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// runtimeMutable names the options that may change without a restart.
var runtimeMutable = map[string]bool{
	"routing.max_path_length":            true,
	"routing.max_paths_per_payment":      true,
	"routing.timeout_ms":                 true,
	"clearing.trigger_cycles_max_length": true,
	"clearing.min_clearing_amount":       true,
	"clearing.max_cycles_per_run":        true,
	"timeouts.prepare_ms":                true,
	"timeouts.commit_ms":                 true,
	"timeouts.max_clock_drift_seconds":   true,
}

// Set applies one runtime update, re-validating the whole configuration
// before swapping the snapshot. Returns the previous value for auditing.
func (d *Dynamic) Set(key, value string) (string, error) {
	if !runtimeMutable[key] {
		return "", fmt.Errorf("config: option %q is not runtime-mutable", key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.cfg
	var old string
	var err error
	switch key {
	case "routing.max_path_length":
		old = strconv.Itoa(next.Routing.MaxPathLength)
		next.Routing.MaxPathLength, err = strconv.Atoi(value)
	case "routing.max_paths_per_payment":
		old = strconv.Itoa(next.Routing.MaxPathsPerPayment)
		next.Routing.MaxPathsPerPayment, err = strconv.Atoi(value)
	case "routing.timeout_ms":
		old = strconv.FormatInt(next.Routing.TimeoutMillis, 10)
		next.Routing.TimeoutMillis, err = strconv.ParseInt(value, 10, 64)
	case "clearing.trigger_cycles_max_length":
		old = strconv.Itoa(next.Clearing.TriggerCyclesMaxLength)
		next.Clearing.TriggerCyclesMaxLength, err = strconv.Atoi(value)
	case "clearing.min_clearing_amount":
		old = next.Clearing.MinClearingAmount
		next.Clearing.MinClearingAmount = value
	case "clearing.max_cycles_per_run":
		old = strconv.Itoa(next.Clearing.MaxCyclesPerRun)
		next.Clearing.MaxCyclesPerRun, err = strconv.Atoi(value)
	case "timeouts.prepare_ms":
		old = strconv.FormatInt(next.Timeouts.PrepareMillis, 10)
		next.Timeouts.PrepareMillis, err = strconv.ParseInt(value, 10, 64)
	case "timeouts.commit_ms":
		old = strconv.FormatInt(next.Timeouts.CommitMillis, 10)
		next.Timeouts.CommitMillis, err = strconv.ParseInt(value, 10, 64)
	case "timeouts.max_clock_drift_seconds":
		old = strconv.FormatInt(next.Timeouts.MaxClockDriftSeconds, 10)
		next.Timeouts.MaxClockDriftSeconds, err = strconv.ParseInt(value, 10, 64)
	}
	if err != nil {
		return "", fmt.Errorf("config: invalid value %q for %s: %w", value, key, err)
	}
	if err := next.Validate(); err != nil {
		return "", err
	}
	d.cfg = next
	return old, nil
}
