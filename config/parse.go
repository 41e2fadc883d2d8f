package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Custody parses the configured custody account.
func (c *Config) Custody() (common.Address, error) {
	return parseAddress(c.CustodyAddress)
}

// ParsedBalance is a seed balance resolved into runtime values. Approve is nil when
// no allowance should be granted.
type ParsedBalance struct {
	Address common.Address
	Amount  *big.Int
	Approve *big.Int
}

// Parse resolves the seed balance.
func (b SeedBalance) Parse() (ParsedBalance, error) {
	var out ParsedBalance
	addr, err := parseAddress(b.Address)
	if err != nil {
		return out, fmt.Errorf("seed balance address: %w", err)
	}
	out.Address = addr
	if out.Amount, err = parseUintAmount(b.Amount); err != nil {
		return out, fmt.Errorf("seed balance %s amount: %w", b.Address, err)
	}
	if strings.TrimSpace(b.Approve) != "" {
		if out.Approve, err = parseUintAmount(b.Approve); err != nil {
			return out, fmt.Errorf("seed balance %s approve: %w", b.Address, err)
		}
	}
	return out, nil
}

// Parse resolves the seed asset owner and optional list price.
func (a SeedAsset) Parse() (common.Address, *big.Int, error) {
	owner, err := parseAddress(a.Owner)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("seed asset owner: %w", err)
	}
	if strings.TrimSpace(a.ListPrice) == "" {
		return owner, nil, nil
	}
	price, err := parseUintAmount(a.ListPrice)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("seed asset list price: %w", err)
	}
	return owner, price, nil
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

// parseUintAmount accepts decimal or 0x-prefixed hexadecimal integers.
func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 0)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}
