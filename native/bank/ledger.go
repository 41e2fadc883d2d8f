package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/journal"
)

var (
	ErrInsufficientFunds     = errors.New("bank: insufficient funds")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrZeroAddress           = errors.New("bank: zero address")
	errNegativeAmount        = errors.New("bank: amount must be non-negative")
)

const (
	DefaultSymbol   = "cUSDT"
	DefaultDecimals = uint8(18)
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is an in-process fungible token ledger with ERC-20 balance and
// allowance semantics. Mutations are journaled so they can be rolled back as
// part of a larger unit of work.
type Ledger struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	supply     *big.Int
	journal    journal.Journal
	tx         journal.TxLock
}

// NewLedger creates an empty ledger for the given token symbol. An empty
// symbol selects DefaultSymbol.
func NewLedger(symbol string, decimals uint8) *Ledger {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		symbol = DefaultSymbol
	}
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		supply:     big.NewInt(0),
	}
}

// Symbol returns the token ticker.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the display precision of the token.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// TotalSupply returns the minted supply.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance(addr)
}

// Allowance returns the amount spender may move out of owner's balance.
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowance(owner, spender)
}

// Mint credits amount to addr, increasing total supply.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	defer l.tx.Hold()()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setBalance(to, new(big.Int).Add(l.balance(to), amount))
	prevSupply := l.supply
	l.supply = new(big.Int).Add(prevSupply, amount)
	l.journal.Append(func() { l.supply = prevSupply })
	return nil
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	defer l.tx.Hold()()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(owner, spender, new(big.Int).Set(amount))
	return nil
}

// Transfer moves amount from the caller's own balance.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, end := l.tx.Begin(ctx)
	defer end()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom moves amount from one account to another on behalf of spender.
// The allowance is checked before the balance, mirroring the ERC-20 reference
// implementation. A spender moving its own funds needs no allowance.
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, end := l.tx.Begin(ctx)
	defer end()
	l.mu.Lock()
	defer l.mu.Unlock()
	if spender != from {
		allowed := l.allowance(from, spender)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: allowance %s, need %s", ErrInsufficientAllowance, allowed, amount)
		}
		snapshot := l.journal.Snapshot()
		l.setAllowance(from, spender, new(big.Int).Sub(allowed, amount))
		if err := l.move(from, to, amount); err != nil {
			l.journal.Revert(snapshot)
			return err
		}
		l.journal.Discard(snapshot)
		return nil
	}
	return l.move(from, to, amount)
}

// BeginTx opens a ledger transaction. Mutations from other callers wait until
// the returned function is called; calls made with the returned context join
// it.
func (l *Ledger) BeginTx(ctx context.Context) (context.Context, func()) {
	return l.tx.Begin(ctx)
}

// Snapshot opens a rollback point covering every subsequent mutation.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Snapshot()
}

// RevertToSnapshot undoes the mutations recorded since the snapshot.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.Revert(id)
}

// DiscardSnapshot closes the snapshot keeping its mutations.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.Discard(id)
}

func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBalance := l.balance(from)
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, fromBalance, amount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.setBalance(from, new(big.Int).Sub(fromBalance, amount))
	l.setBalance(to, new(big.Int).Add(l.balance(to), amount))
	return nil
}

func (l *Ledger) balance(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (l *Ledger) allowance(owner, spender common.Address) *big.Int {
	if amt, ok := l.allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(amt)
	}
	return big.NewInt(0)
}

func (l *Ledger) setBalance(addr common.Address, amount *big.Int) {
	prev, existed := l.balances[addr]
	l.balances[addr] = amount
	l.journal.Append(func() {
		if existed {
			l.balances[addr] = prev
		} else {
			delete(l.balances, addr)
		}
	})
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount *big.Int) {
	key := allowanceKey{owner: owner, spender: spender}
	prev, existed := l.allowances[key]
	l.allowances[key] = amount
	l.journal.Append(func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errNegativeAmount
	}
	return nil
}
