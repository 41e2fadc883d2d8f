package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/events"
	"nftmarket/core/types"
	nativecommon "nftmarket/native/common"
)

// ModuleName identifies the market in pause configuration and metrics.
const ModuleName = "market"

const (
	OpList        = "list"
	OpCancelOrder = "cancel_order"
	OpChangePrice = "change_price"
	OpBuy         = "buy"
)

// Journaled is implemented by every component taking part in a unit of work.
// Snapshots nest; reverting undoes all mutations made since the snapshot.
type Journaled interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Transactional collaborators keep mutations from other callers out of an
// open unit of work, so reverting the unit never undoes work it did not do.
// BeginTx blocks until no other transaction is open, unless ctx already
// belongs to one, and returns the context for calls made inside the unit.
type Transactional interface {
	BeginTx(ctx context.Context) (context.Context, func())
}

// PaymentLedger moves fungible payment between accounts. TransferFrom reports
// shortfalls by wrapping ErrInsufficientFunds or ErrInsufficientAllowance.
type PaymentLedger interface {
	Journaled
	Transactional
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}

// AssetRegistry is the ownership ledger of the traded assets. TransferFrom
// must not call back into receivers. Custody notifications arrive inside a
// registry transaction; the engine joins it through the hook's context.
type AssetRegistry interface {
	Journaled
	Transactional
	OwnerOf(id *big.Int) (common.Address, error)
	TransferFrom(ctx context.Context, operator, from, to common.Address, id *big.Int) error
}

type listingStore interface {
	Journaled
	Insert(id *big.Int, seller common.Address, price *big.Int) error
	Remove(id *big.Int) (*Listing, error)
	SetPrice(id *big.Int, price *big.Int) error
	Get(id *big.Int) (*Listing, bool)
	Committed(id *big.Int) (*Listing, bool)
	IsListed(id *big.Int) bool
	All() []*Listing
	BySeller(seller common.Address) []*Listing
	Len() int
	Commit() error
}

// Observer receives the outcome of every lifecycle operation.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	SetActiveListings(n int)
}

type marketEvent interface {
	events.Event
	Event() *types.Event
}

// unitKey marks the context of an in-flight unit of work so that callbacks
// from collaborators cannot re-enter the engine.
type unitKey struct{}

// Engine is the order-lifecycle state machine. Mutations are serialised and
// each runs as one unit of work across the listing store, the payment ledger
// and the asset registry: either every effect is applied or none is.
type Engine struct {
	mu       sync.Mutex
	custody  *Custody
	ledger   PaymentLedger
	registry AssetRegistry
	store    listingStore
	emitter  events.Emitter
	observer Observer
	pauses   nativecommon.PauseView
	logger   *slog.Logger
}

// NewEngine wires the engine to its collaborators. custody is the account the
// engine holds assets under and spends buyer allowances from.
func NewEngine(custody common.Address, ledger PaymentLedger, registry AssetRegistry, store listingStore) (*Engine, error) {
	if ledger == nil {
		return nil, errNilLedger
	}
	if registry == nil {
		return nil, errNilRegistry
	}
	if store == nil {
		return nil, errNilStore
	}
	if custody == (common.Address{}) {
		return nil, errNoCustody
	}
	e := &Engine{
		ledger:   ledger,
		registry: registry,
		store:    store,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
	}
	e.custody = &Custody{engine: e, address: custody}
	return e, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetObserver installs the operation observer, typically the metrics registry.
func (e *Engine) SetObserver(observer Observer) {
	e.observer = observer
	if observer != nil {
		observer.SetActiveListings(e.store.Len())
	}
}

// SetPauses configures the pause view consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger overrides the logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Custody returns the adapter the asset registry notifies on inbound
// transfers.
func (e *Engine) Custody() *Custody { return e.custody }

// list registers a listing for an asset that has just entered custody. Only
// the custody adapter calls it.
func (e *Engine) list(ctx context.Context, seller common.Address, id, price *big.Int) error {
	return e.execute(ctx, OpList, func(context.Context) (marketEvent, error) {
		if id == nil {
			return nil, errNilAssetID
		}
		if err := CheckPrice(price); err != nil {
			return nil, err
		}
		if err := e.store.Insert(id, seller, price); err != nil {
			return nil, err
		}
		return events.MarketListed{AssetID: cloneBigInt(id), Seller: seller, Price: cloneBigInt(price)}, nil
	})
}

// CancelOrder withdraws the caller's listing and returns the asset to them.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, id *big.Int) error {
	return e.execute(ctx, OpCancelOrder, func(ctx context.Context) (marketEvent, error) {
		listing, err := e.sellerListing(caller, id)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.Remove(id); err != nil {
			return nil, err
		}
		if err := e.custody.release(ctx, id, listing.Seller); err != nil {
			return nil, err
		}
		return events.MarketCancelled{AssetID: listing.AssetID, Seller: listing.Seller}, nil
	})
}

// ChangePrice sets a new asking price on the caller's listing. Any price
// accepted by CheckPrice is valid, including zero.
func (e *Engine) ChangePrice(ctx context.Context, caller common.Address, id, price *big.Int) error {
	return e.execute(ctx, OpChangePrice, func(context.Context) (marketEvent, error) {
		listing, err := e.sellerListing(caller, id)
		if err != nil {
			return nil, err
		}
		if err := CheckPrice(price); err != nil {
			return nil, err
		}
		if err := e.store.SetPrice(id, price); err != nil {
			return nil, err
		}
		return events.MarketRepriced{
			AssetID:  listing.AssetID,
			Seller:   listing.Seller,
			OldPrice: listing.Price,
			NewPrice: cloneBigInt(price),
		}, nil
	})
}

// Buy pays the listing price from caller to the seller and hands the asset to
// caller. The seller may buy their own listing.
func (e *Engine) Buy(ctx context.Context, caller common.Address, id *big.Int) error {
	return e.execute(ctx, OpBuy, func(ctx context.Context) (marketEvent, error) {
		if id == nil {
			return nil, errNilAssetID
		}
		// Effects before interactions: the listing is gone before any
		// collaborator runs, and comes back if any of them fails.
		listing, err := e.store.Remove(id)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.TransferFrom(ctx, e.custody.address, caller, listing.Seller, listing.Price); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
		}
		if err := e.custody.release(ctx, id, caller); err != nil {
			return nil, err
		}
		return events.MarketSold{
			AssetID: listing.AssetID,
			Seller:  listing.Seller,
			Buyer:   caller,
			Price:   listing.Price,
		}, nil
	})
}

func (e *Engine) sellerListing(caller common.Address, id *big.Int) (*Listing, error) {
	if id == nil {
		return nil, errNilAssetID
	}
	listing, ok := e.store.Get(id)
	if !ok {
		return nil, ErrNotListed
	}
	if listing.Seller != caller {
		return nil, ErrNotSeller
	}
	return listing, nil
}

func (e *Engine) execute(ctx context.Context, op string, fn func(context.Context) (marketEvent, error)) error {
	start := time.Now()
	err := e.run(ctx, fn)
	e.observe(op, err, start)
	if err != nil {
		e.logger.Debug("market operation failed", "op", op, "kind", Kind(err), "error", err)
	}
	return err
}

func (e *Engine) run(ctx context.Context, fn func(context.Context) (marketEvent, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, _ := ctx.Value(unitKey{}).(*Engine); owner == e {
		return ErrReentrantCall
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}

	// Registry before ledger: a deposit already holds the registry
	// transaction when its hook reaches the engine.
	ctx, endRegistry := e.registry.BeginTx(ctx)
	defer endRegistry()
	ctx, endLedger := e.ledger.BeginTx(ctx)
	defer endLedger()

	e.mu.Lock()
	defer e.mu.Unlock()

	storeSnap := e.store.Snapshot()
	ledgerSnap := e.ledger.Snapshot()
	registrySnap := e.registry.Snapshot()
	done := false
	defer func() {
		if done {
			return
		}
		e.registry.RevertToSnapshot(registrySnap)
		e.ledger.RevertToSnapshot(ledgerSnap)
		e.store.RevertToSnapshot(storeSnap)
	}()

	evt, err := fn(context.WithValue(ctx, unitKey{}, e))
	if err != nil {
		return err
	}
	if err := e.store.Commit(); err != nil {
		return err
	}
	done = true
	e.registry.DiscardSnapshot(registrySnap)
	e.ledger.DiscardSnapshot(ledgerSnap)
	e.store.DiscardSnapshot(storeSnap)
	e.emit(evt)
	return nil
}

func (e *Engine) emit(evt marketEvent) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) observe(op string, err error, start time.Time) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveOperation(op, Kind(err), time.Since(start))
	if err == nil {
		e.observer.SetActiveListings(e.store.Len())
	}
}
