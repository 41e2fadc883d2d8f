package config

// PaymentToken describes the fungible token purchases settle in.
type PaymentToken struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// AssetRegistry names the non-fungible collection traded on the market.
type AssetRegistry struct {
	Name   string `toml:"Name"`
	Symbol string `toml:"Symbol"`
}

// Logging controls the structured logger. File output is rotated when File is
// set.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry wires the OTLP exporters.
type Telemetry struct {
	ServiceName string  `toml:"ServiceName"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// API controls the read-only HTTP query surface.
type API struct {
	RequestsPerMinute float64  `toml:"RequestsPerMinute"`
	Burst             int      `toml:"Burst"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
	LogRequests       bool     `toml:"LogRequests"`
}

// Pauses toggles modules off. A paused market rejects every lifecycle
// mutation while queries keep working.
type Pauses struct {
	Market bool `toml:"Market"`
}

// IsPaused implements the pause view consulted by the market engine.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "market":
		return p.Market
	default:
		return false
	}
}

// Seed populates the in-process ledger and registry at startup.
type Seed struct {
	Balances []SeedBalance `toml:"balance"`
	Assets   []SeedAsset   `toml:"asset"`
}

// SeedBalance mints payment tokens to an account and optionally approves the
// market custody account to spend them.
type SeedBalance struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
	Approve string `toml:"Approve"`
}

// SeedAsset mints one asset to Owner. A non-empty ListPrice deposits it into
// custody at that price.
type SeedAsset struct {
	Owner     string `toml:"Owner"`
	ListPrice string `toml:"ListPrice"`
}
