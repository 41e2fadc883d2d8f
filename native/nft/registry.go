package nft

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftmarket/core/journal"
)

var (
	ErrTokenNotFound    = errors.New("nft: token does not exist")
	ErrNotOwner         = errors.New("nft: from is not the owner")
	ErrNotAuthorized    = errors.New("nft: caller is not owner nor approved")
	ErrZeroAddress      = errors.New("nft: zero address")
	ErrTransferRejected = errors.New("nft: transfer rejected by receiver")
	ErrTokenExists      = errors.New("nft: token already minted")
)

// ReceivedSelector is the value a Receiver must return to accept a safe
// transfer: the first four bytes of
// keccak256("onERC721Received(address,address,uint256,bytes)").
var ReceivedSelector = func() [4]byte {
	var sel [4]byte
	copy(sel[:], ethcrypto.Keccak256([]byte("onERC721Received(address,address,uint256,bytes)"))[:4])
	return sel
}()

// Receiver is notified when a token is safely transferred to the account it
// is registered for.
type Receiver interface {
	OnAssetReceived(ctx context.Context, operator, from common.Address, id *big.Int, data []byte) ([4]byte, error)
}

// Registry is an in-process non-fungible token ledger with ERC-721 ownership,
// approval and safe-transfer semantics. Mutations are journaled.
type Registry struct {
	mu        sync.RWMutex
	name      string
	symbol    string
	owners    map[string]common.Address
	balances  map[common.Address]uint64
	approvals map[string]common.Address
	operators map[common.Address]map[common.Address]bool
	receivers map[common.Address]Receiver
	nextID    *big.Int
	journal   journal.Journal
	tx        journal.TxLock
}

// NewRegistry creates an empty registry.
func NewRegistry(name, symbol string) *Registry {
	return &Registry{
		name:      strings.TrimSpace(name),
		symbol:    strings.TrimSpace(symbol),
		owners:    make(map[string]common.Address),
		balances:  make(map[common.Address]uint64),
		approvals: make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		receivers: make(map[common.Address]Receiver),
		nextID:    big.NewInt(0),
	}
}

func (r *Registry) Name() string   { return r.name }
func (r *Registry) Symbol() string { return r.symbol }

// SetReceiver registers the hook invoked on safe transfers into addr. Passing
// nil removes the registration.
func (r *Registry) SetReceiver(addr common.Address, recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recv == nil {
		delete(r.receivers, addr)
		return
	}
	r.receivers[addr] = recv
}

// Mint assigns the next sequential token id to the recipient.
func (r *Registry) Mint(to common.Address) (*big.Int, error) {
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	defer r.tx.Hold()()
	r.mu.Lock()
	defer r.mu.Unlock()
	id := new(big.Int).Set(r.nextID)
	prevNext := r.nextID
	r.nextID = new(big.Int).Add(prevNext, big.NewInt(1))
	r.journal.Append(func() { r.nextID = prevNext })
	r.setOwner(id, to)
	r.adjustBalance(to, 1)
	return new(big.Int).Set(id), nil
}

// MintID mints a caller-chosen token id. Later sequential mints continue
// after the highest id minted so far.
func (r *Registry) MintID(to common.Address, id *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if id == nil || id.Sign() < 0 {
		return fmt.Errorf("%w: invalid token id", ErrTokenNotFound)
	}
	defer r.tx.Hold()()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[tokenKey(id)]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, tokenKey(id))
	}
	if id.Cmp(r.nextID) >= 0 {
		prevNext := r.nextID
		r.nextID = new(big.Int).Add(id, big.NewInt(1))
		r.journal.Append(func() { r.nextID = prevNext })
	}
	r.setOwner(new(big.Int).Set(id), to)
	r.adjustBalance(to, 1)
	return nil
}

// OwnerOf returns the current owner of the token.
func (r *Registry) OwnerOf(id *big.Int) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[tokenKey(id)]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrTokenNotFound, tokenKey(id))
	}
	return owner, nil
}

// BalanceOf returns the number of tokens held by owner.
func (r *Registry) BalanceOf(owner common.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[owner]
}

// Approve grants spender the right to transfer a single token. Only the owner
// or one of its operators may approve.
func (r *Registry) Approve(caller, spender common.Address, id *big.Int) error {
	defer r.tx.Hold()()
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[tokenKey(id)]
	if !ok {
		return ErrTokenNotFound
	}
	if caller != owner && !r.operators[owner][caller] {
		return ErrNotAuthorized
	}
	r.setApproval(id, spender)
	return nil
}

// GetApproved returns the single-token approval, if any.
func (r *Registry) GetApproved(id *big.Int) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.owners[tokenKey(id)]; !ok {
		return common.Address{}, ErrTokenNotFound
	}
	return r.approvals[tokenKey(id)], nil
}

// SetApprovalForAll toggles operator rights of operator over owner's tokens.
func (r *Registry) SetApprovalForAll(owner, operator common.Address, approved bool) error {
	if operator == (common.Address{}) {
		return ErrZeroAddress
	}
	defer r.tx.Hold()()
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.operators[owner]
	if set == nil {
		set = make(map[common.Address]bool)
		r.operators[owner] = set
	}
	prev, existed := set[operator]
	set[operator] = approved
	r.journal.Append(func() {
		if existed {
			set[operator] = prev
		} else {
			delete(set, operator)
		}
	})
	return nil
}

// IsApprovedForAll reports whether operator may move all of owner's tokens.
func (r *Registry) IsApprovedForAll(owner, operator common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

// TransferFrom moves a token without notifying the recipient.
func (r *Registry) TransferFrom(ctx context.Context, operator, from, to common.Address, id *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, end := r.tx.Begin(ctx)
	defer end()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfer(operator, from, to, id)
}

// SafeTransferFrom moves a token and, when a Receiver is registered for the
// recipient, requires it to accept the transfer. A receiver error or a wrong
// acceptance value reverts the transfer.
//
// The whole transfer, hook included, runs as one registry transaction. The
// hook receives a context that joins it, so work the hook does on the registry
// is reverted with the transfer while other callers wait.
func (r *Registry) SafeTransferFrom(ctx context.Context, operator, from, to common.Address, id *big.Int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, end := r.tx.Begin(ctx)
	defer end()

	r.mu.Lock()
	snapshot := r.journal.Snapshot()
	if err := r.transfer(operator, from, to, id); err != nil {
		r.journal.Revert(snapshot)
		r.mu.Unlock()
		return err
	}
	recv := r.receivers[to]
	// The hook may read or journal registry state, so it runs without mu.
	r.mu.Unlock()

	if recv != nil {
		ret, err := recv.OnAssetReceived(ctx, operator, from, new(big.Int).Set(id), append([]byte(nil), data...))
		if err == nil && ret != ReceivedSelector {
			err = fmt.Errorf("unexpected acceptance value %x", ret)
		}
		if err != nil {
			r.mu.Lock()
			r.journal.Revert(snapshot)
			r.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrTransferRejected, err)
		}
	}
	r.mu.Lock()
	r.journal.Discard(snapshot)
	r.mu.Unlock()
	return nil
}

// BeginTx opens a registry transaction. Mutations from other callers wait
// until the returned function is called; calls made with the returned context
// join it.
func (r *Registry) BeginTx(ctx context.Context) (context.Context, func()) {
	return r.tx.Begin(ctx)
}

// Snapshot opens a rollback point covering every subsequent mutation.
func (r *Registry) Snapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.journal.Snapshot()
}

// RevertToSnapshot undoes the mutations recorded since the snapshot.
func (r *Registry) RevertToSnapshot(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal.Revert(id)
}

// DiscardSnapshot closes the snapshot keeping its mutations.
func (r *Registry) DiscardSnapshot(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal.Discard(id)
}

func (r *Registry) transfer(operator, from, to common.Address, id *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	key := tokenKey(id)
	owner, ok := r.owners[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, key)
	}
	if owner != from {
		return ErrNotOwner
	}
	if operator != owner && r.approvals[key] != operator && !r.operators[owner][operator] {
		return ErrNotAuthorized
	}
	r.setApproval(id, common.Address{})
	r.adjustBalance(from, -1)
	r.adjustBalance(to, 1)
	r.setOwner(id, to)
	return nil
}

func (r *Registry) setOwner(id *big.Int, owner common.Address) {
	key := tokenKey(id)
	prev, existed := r.owners[key]
	r.owners[key] = owner
	r.journal.Append(func() {
		if existed {
			r.owners[key] = prev
		} else {
			delete(r.owners, key)
		}
	})
}

func (r *Registry) setApproval(id *big.Int, spender common.Address) {
	key := tokenKey(id)
	prev, existed := r.approvals[key]
	if spender == (common.Address{}) {
		delete(r.approvals, key)
	} else {
		r.approvals[key] = spender
	}
	r.journal.Append(func() {
		if existed {
			r.approvals[key] = prev
		} else {
			delete(r.approvals, key)
		}
	})
}

func (r *Registry) adjustBalance(addr common.Address, delta int64) {
	prev := r.balances[addr]
	next := prev
	if delta < 0 {
		next -= uint64(-delta)
	} else {
		next += uint64(delta)
	}
	if next == 0 {
		delete(r.balances, addr)
	} else {
		r.balances[addr] = next
	}
	r.journal.Append(func() {
		if prev == 0 {
			delete(r.balances, addr)
		} else {
			r.balances[addr] = prev
		}
	})
}

func tokenKey(id *big.Int) string {
	if id == nil {
		return "0"
	}
	return id.String()
}
