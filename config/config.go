package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultCustodyAddress is the account listed assets are held under when the
// config file does not name one.
const DefaultCustodyAddress = "0x000000000000000000000000000000000000c0de"

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	DBBackend     string `toml:"DBBackend"`
	// DatabaseURL is the Postgres DSN used by the postgres backend.
	DatabaseURL    string `toml:"DatabaseURL"`
	CustodyAddress string `toml:"CustodyAddress"`
	Environment    string `toml:"Environment"`

	Payment   PaymentToken  `toml:"payment"`
	Registry  AssetRegistry `toml:"registry"`
	Logging   Logging       `toml:"logging"`
	Telemetry Telemetry     `toml:"telemetry"`
	API       API           `toml:"api"`
	Pauses    Pauses        `toml:"pauses"`
	Seed      Seed          `toml:"seed"`
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns the configuration used for a fresh install.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8547",
		DataDir:        "./market-data",
		DBBackend:      BackendLevelDB,
		CustodyAddress: DefaultCustodyAddress,
		Environment:    "local",
		Payment:        PaymentToken{Symbol: "cUSDT", Decimals: 18},
		Registry:       AssetRegistry{Name: "MyNFT", Symbol: "MNFT"},
		Logging:        Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Telemetry:      Telemetry{ServiceName: "marketd"},
		API:            API{RequestsPerMinute: 600, Burst: 60},
	}
}

func (c *Config) normalize() {
	c.DBBackend = strings.ToLower(strings.TrimSpace(c.DBBackend))
	if c.DBBackend == "" {
		c.DBBackend = BackendLevelDB
	}
	if strings.TrimSpace(c.CustodyAddress) == "" {
		c.CustodyAddress = DefaultCustodyAddress
	}
	if strings.TrimSpace(c.Payment.Symbol) == "" {
		c.Payment.Symbol = "cUSDT"
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "marketd"
	}
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
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
