package config

import (
	"fmt"
	"strings"
)

// MaxPaymentDecimals bounds the payment token precision.
var MaxPaymentDecimals = uint8(36)

func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	switch c.DBBackend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt, BackendSQLite:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("DataDir required for %s backend", c.DBBackend)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DatabaseURL required for postgres backend")
		}
	default:
		return fmt.Errorf("DBBackend %q not one of memory, leveldb, bolt, sqlite, postgres", c.DBBackend)
	}
	if _, err := c.Custody(); err != nil {
		return fmt.Errorf("CustodyAddress: %w", err)
	}
	if c.Payment.Decimals > MaxPaymentDecimals {
		return fmt.Errorf("payment: decimals > %d", MaxPaymentDecimals)
	}
	if strings.TrimSpace(c.Registry.Name) == "" || strings.TrimSpace(c.Registry.Symbol) == "" {
		return fmt.Errorf("registry: name and symbol required")
	}
	if c.API.RequestsPerMinute < 0 || c.API.Burst < 0 {
		return fmt.Errorf("api: negative rate limit")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio outside [0,1]")
	}
	for i, b := range c.Seed.Balances {
		if _, err := b.Parse(); err != nil {
			return fmt.Errorf("seed.balance[%d]: %w", i, err)
		}
	}
	for i, a := range c.Seed.Assets {
		if _, _, err := a.Parse(); err != nil {
			return fmt.Errorf("seed.asset[%d]: %w", i, err)
		}
	}
	return nil
}
