package config

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate enforces the documented option ranges. Called on load and again
// whenever a runtime update is applied.
func (c *Config) Validate() error {
	if c.Routing.MaxPathLength < 1 || c.Routing.MaxPathLength > 8 {
		return fmt.Errorf("config: Routing.MaxPathLength %d outside [1..8]", c.Routing.MaxPathLength)
	}
	if c.Routing.MaxPathsPerPayment < 1 || c.Routing.MaxPathsPerPayment > 10 {
		return fmt.Errorf("config: Routing.MaxPathsPerPayment %d outside [1..10]", c.Routing.MaxPathsPerPayment)
	}
	if c.Routing.TimeoutMillis <= 0 {
		return fmt.Errorf("config: Routing.TimeoutMillis must be positive")
	}
	if c.Clearing.TriggerCyclesMaxLength < 3 || c.Clearing.TriggerCyclesMaxLength > 6 {
		return fmt.Errorf("config: Clearing.TriggerCyclesMaxLength %d outside [3..6]", c.Clearing.TriggerCyclesMaxLength)
	}
	if c.Clearing.MaxCyclesPerRun <= 0 {
		return fmt.Errorf("config: Clearing.MaxCyclesPerRun must be positive")
	}
	if strings.TrimSpace(c.Clearing.MinClearingAmount) != "" {
		if _, ok := new(big.Rat).SetString(c.Clearing.MinClearingAmount); !ok {
			return fmt.Errorf("config: Clearing.MinClearingAmount %q is not a decimal", c.Clearing.MinClearingAmount)
		}
	}
	if c.Timeouts.PrepareMillis <= 0 || c.Timeouts.CommitMillis <= 0 || c.Timeouts.OverallMillis <= 0 {
		return fmt.Errorf("config: all timeout values must be positive")
	}
	if c.Timeouts.MaxClockDriftSeconds <= 0 {
		return fmt.Errorf("config: Timeouts.MaxClockDriftSeconds must be positive")
	}
	if c.Integrity.BalanceCheckMinutes <= 0 || c.Integrity.SymmetryCheckMinutes <= 0 ||
		c.Integrity.ChecksumMinutes <= 0 || c.Integrity.FullAuditHours <= 0 {
		return fmt.Errorf("config: integrity intervals must be positive")
	}
	return nil
}
