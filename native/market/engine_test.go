package market_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/events"
	"nftmarket/core/state"
	"nftmarket/native/bank"
	nativecommon "nftmarket/native/common"
	"nftmarket/native/market"
	"nftmarket/native/nft"
	"nftmarket/storage"
)

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, common.AddressLength))
	return addr
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid integer %q", s)
	}
	return v
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.EventType()
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
	active   int
}

func (r *recordingObserver) ObserveOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string][]string)
	}
	r.outcomes[op] = append(r.outcomes[op], outcome)
}

func (r *recordingObserver) SetActiveListings(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

type staticPauses map[string]bool

func (p staticPauses) IsPaused(module string) bool { return p[module] }

// faultyRegistry fails outbound custody transfers on demand.
type faultyRegistry struct {
	*nft.Registry
	failTransfers bool
}

func (f *faultyRegistry) TransferFrom(ctx context.Context, operator, from, to common.Address, id *big.Int) error {
	if f.failTransfers {
		return errors.New("registry offline")
	}
	return f.Registry.TransferFrom(ctx, operator, from, to, id)
}

type fixture struct {
	ctx      context.Context
	ledger   *bank.Ledger
	registry *faultyRegistry
	store    *state.ListingStore
	engine   *market.Engine
	emitter  *captureEmitter
	observer *recordingObserver
	custody  common.Address
	seller   common.Address
	buyer    common.Address
	assets   []*big.Int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		ledger:   bank.NewLedger("cUSDT", 18),
		registry: &faultyRegistry{Registry: nft.NewRegistry("MyNFT", "MNFT")},
		emitter:  &captureEmitter{},
		observer: &recordingObserver{},
		custody:  newTestAddress(0xCC),
		seller:   newTestAddress(0x01),
		buyer:    newTestAddress(0x02),
	}
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	store, err := state.NewListingStore(db)
	if err != nil {
		t.Fatalf("listing store: %v", err)
	}
	f.store = store
	engine, err := market.NewEngine(f.custody, f.ledger, f.registry, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEmitter(f.emitter)
	engine.SetObserver(f.observer)
	f.engine = engine
	f.registry.SetReceiver(f.custody, engine.Custody())

	for i := 0; i < 2; i++ {
		id, err := f.registry.Mint(f.seller)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		f.assets = append(f.assets, id)
	}
	if err := f.ledger.Mint(f.buyer, mustBig(t, "10000000000000000000000")); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := f.ledger.Approve(f.buyer, f.custody, mustBig(t, "1000000000000000000000000")); err != nil {
		t.Fatalf("approve market: %v", err)
	}
	return f
}

func (f *fixture) deposit(t *testing.T, owner common.Address, id, price *big.Int) error {
	t.Helper()
	payload, err := market.EncodePrice(price)
	if err != nil {
		t.Fatalf("encode price: %v", err)
	}
	return f.registry.SafeTransferFrom(f.ctx, owner, owner, f.custody, id, payload)
}

func (f *fixture) mustDeposit(t *testing.T, id, price *big.Int) {
	t.Helper()
	if err := f.deposit(t, f.seller, id, price); err != nil {
		t.Fatalf("deposit %s: %v", id, err)
	}
}

func (f *fixture) ownerOf(t *testing.T, id *big.Int) common.Address {
	t.Helper()
	owner, err := f.registry.OwnerOf(id)
	if err != nil {
		t.Fatalf("owner of %s: %v", id, err)
	}
	return owner
}

// assertCoupled checks that listing and custody agree for every fixture asset.
func (f *fixture) assertCoupled(t *testing.T) {
	t.Helper()
	for _, id := range f.assets {
		inCustody := f.ownerOf(t, id) == f.custody
		if listed := f.engine.IsListed(id); listed != inCustody {
			t.Fatalf("asset %s: listed=%v but inCustody=%v", id, listed, inCustody)
		}
	}
}

func TestEngineScenario(t *testing.T) {
	f := newFixture(t)
	price := mustBig(t, "500000000000000")

	f.mustDeposit(t, f.assets[0], price)
	f.mustDeposit(t, f.assets[1], price)
	f.assertCoupled(t)

	if f.registry.BalanceOf(f.seller) != 0 || f.registry.BalanceOf(f.custody) != 2 {
		t.Fatalf("expected both assets in custody")
	}
	all := f.engine.AllListings()
	if len(all) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(all))
	}
	for i, listing := range all {
		if listing.Seller != f.seller || listing.AssetID.Int64() != int64(i) || listing.Price.Cmp(price) != 0 {
			t.Fatalf("unexpected listing %d: %+v", i, listing)
		}
	}

	newPrice := big.NewInt(1_000_000_000)
	if err := f.engine.ChangePrice(f.ctx, f.seller, f.assets[0], newPrice); err != nil {
		t.Fatalf("change price: %v", err)
	}
	all = f.engine.AllListings()
	if all[0].Price.Cmp(newPrice) != 0 {
		t.Fatalf("expected repriced listing, got %s", all[0].Price)
	}
	if all[1].Price.Cmp(price) != 0 {
		t.Fatalf("second listing must keep its price, got %s", all[1].Price)
	}
	mine := f.engine.ListingsBySeller(f.seller)
	if len(mine) != 2 || mine[0].Price.Cmp(newPrice) != 0 {
		t.Fatalf("seller projection out of sync: %+v", mine)
	}

	if err := f.engine.CancelOrder(f.ctx, f.seller, f.assets[1]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.engine.IsListed(f.assets[1]) {
		t.Fatalf("cancelled asset still listed")
	}
	if len(f.engine.AllListings()) != 1 {
		t.Fatalf("expected one remaining listing")
	}
	if f.ownerOf(t, f.assets[1]) != f.seller {
		t.Fatalf("cancelled asset must return to seller")
	}

	sellerBefore := f.ledger.BalanceOf(f.seller)
	buyerBefore := f.ledger.BalanceOf(f.buyer)
	if err := f.engine.Buy(f.ctx, f.buyer, f.assets[0]); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if f.ownerOf(t, f.assets[0]) != f.buyer || f.registry.BalanceOf(f.buyer) != 1 {
		t.Fatalf("buyer should own the asset")
	}
	if got := new(big.Int).Sub(f.ledger.BalanceOf(f.seller), sellerBefore); got.Cmp(newPrice) != 0 {
		t.Fatalf("seller credited %s, want %s", got, newPrice)
	}
	if got := new(big.Int).Sub(buyerBefore, f.ledger.BalanceOf(f.buyer)); got.Cmp(newPrice) != 0 {
		t.Fatalf("buyer debited %s, want %s", got, newPrice)
	}
	if f.engine.IsListed(f.assets[0]) || len(f.engine.AllListings()) != 0 {
		t.Fatalf("sold asset still listed")
	}
	f.assertCoupled(t)

	want := []string{
		events.TypeMarketListed,
		events.TypeMarketListed,
		events.TypeMarketRepriced,
		events.TypeMarketCancelled,
		events.TypeMarketSold,
	}
	got := f.emitter.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, got[i], want[i])
		}
	}
	if f.observer.active != 0 {
		t.Fatalf("observer should report zero active listings, got %d", f.observer.active)
	}
}

func TestEngineCollaboratorGetters(t *testing.T) {
	f := newFixture(t)
	if f.engine.Ledger() != market.PaymentLedger(f.ledger) {
		t.Fatalf("ledger getter mismatch")
	}
	if f.engine.Registry() != market.AssetRegistry(f.registry) {
		t.Fatalf("registry getter mismatch")
	}
	if f.engine.CustodyAddress() != f.custody || f.engine.Custody().Address() != f.custody {
		t.Fatalf("custody address mismatch")
	}
}

func TestEngineRejectsSecondListing(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))

	// A registry that notifies twice for the same asset.
	payload, _ := market.EncodePrice(big.NewInt(99))
	_, err := f.engine.Custody().OnAssetReceived(f.ctx, f.seller, f.seller, f.assets[0], payload)
	if !errors.Is(err, market.ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	listing, ok := f.engine.Listing(f.assets[0])
	if !ok || listing.Price.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("duplicate notification must not alter listing: %+v", listing)
	}
}

func TestCustodyRejectsForeignNotification(t *testing.T) {
	f := newFixture(t)
	payload, _ := market.EncodePrice(big.NewInt(10))
	// Asset 0 still belongs to the seller: nothing was transferred to custody.
	_, err := f.engine.Custody().OnAssetReceived(f.ctx, f.seller, f.seller, f.assets[0], payload)
	if !errors.Is(err, market.ErrUnrecognizedCustodyEvent) {
		t.Fatalf("expected ErrUnrecognizedCustodyEvent, got %v", err)
	}
	_, err = f.engine.Custody().OnAssetReceived(f.ctx, f.seller, f.seller, big.NewInt(42), payload)
	if !errors.Is(err, market.ErrUnrecognizedCustodyEvent) {
		t.Fatalf("expected ErrUnrecognizedCustodyEvent for unknown asset, got %v", err)
	}
	if f.engine.IsListed(f.assets[0]) {
		t.Fatalf("foreign notification must not list the asset")
	}
}

func TestMalformedPriceRollsBackTransfer(t *testing.T) {
	f := newFixture(t)
	err := f.registry.SafeTransferFrom(f.ctx, f.seller, f.seller, f.custody, f.assets[0], []byte{0x01, 0x02})
	if !errors.Is(err, nft.ErrTransferRejected) || !errors.Is(err, market.ErrMalformedPrice) {
		t.Fatalf("expected rejected transfer with malformed price, got %v", err)
	}
	if f.ownerOf(t, f.assets[0]) != f.seller {
		t.Fatalf("asset must stay with seller when listing fails")
	}
	if f.engine.IsListed(f.assets[0]) {
		t.Fatalf("asset listed without custody")
	}
	if outcomes := f.observer.outcomes[market.OpList]; len(outcomes) != 1 || outcomes[0] != "malformed_price" {
		t.Fatalf("unexpected observed outcomes %v", outcomes)
	}
}

func TestZeroPriceListingIsAllowed(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(0))
	stranger := newTestAddress(0x07)
	if err := f.engine.Buy(f.ctx, stranger, f.assets[0]); err != nil {
		t.Fatalf("free listing should be claimable without funds: %v", err)
	}
	if f.ownerOf(t, f.assets[0]) != stranger {
		t.Fatalf("expected stranger to own gifted asset")
	}
}

func TestSellerOnlyOperations(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	intruder := newTestAddress(0x09)

	if err := f.engine.CancelOrder(f.ctx, intruder, f.assets[0]); !errors.Is(err, market.ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller on cancel, got %v", err)
	}
	if err := f.engine.ChangePrice(f.ctx, intruder, f.assets[0], big.NewInt(1)); !errors.Is(err, market.ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller on change price, got %v", err)
	}
	listing, ok := f.engine.Listing(f.assets[0])
	if !ok || listing.Price.Cmp(big.NewInt(10)) != 0 || listing.Seller != f.seller {
		t.Fatalf("listing changed by unauthorized caller: %+v", listing)
	}
	if f.ownerOf(t, f.assets[0]) != f.custody {
		t.Fatalf("asset left custody after unauthorized cancel")
	}
}

func TestOperationsOnUnlistedAsset(t *testing.T) {
	f := newFixture(t)
	id := f.assets[0]
	if err := f.engine.CancelOrder(f.ctx, f.seller, id); !errors.Is(err, market.ErrNotListed) {
		t.Fatalf("cancel: expected ErrNotListed, got %v", err)
	}
	if err := f.engine.ChangePrice(f.ctx, f.seller, id, big.NewInt(1)); !errors.Is(err, market.ErrNotListed) {
		t.Fatalf("change price: expected ErrNotListed, got %v", err)
	}
	if err := f.engine.Buy(f.ctx, f.buyer, id); !errors.Is(err, market.ErrNotListed) {
		t.Fatalf("buy: expected ErrNotListed, got %v", err)
	}
}

func TestChangePriceRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	word := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	beyondWord := new(big.Int).Lsh(big.NewInt(1), 256)
	huge := new(big.Int).Lsh(big.NewInt(3), 400)
	for _, p := range []*big.Int{big.NewInt(0), big.NewInt(1), mustBig(t, "1000000000"), word, beyondWord, huge} {
		if err := f.engine.ChangePrice(f.ctx, f.seller, f.assets[0], p); err != nil {
			t.Fatalf("change price to %s: %v", p, err)
		}
		listing, _ := f.engine.Listing(f.assets[0])
		if listing.Price.Cmp(p) != 0 {
			t.Fatalf("price round trip: got %s want %s", listing.Price, p)
		}
	}
	for _, p := range []*big.Int{big.NewInt(-1), nil} {
		err := f.engine.ChangePrice(f.ctx, f.seller, f.assets[0], p)
		if !errors.Is(err, market.ErrMalformedPrice) {
			t.Fatalf("expected ErrMalformedPrice for %v, got %v", p, err)
		}
	}
	listing, _ := f.engine.Listing(f.assets[0])
	if listing.Price.Cmp(huge) != 0 {
		t.Fatalf("rejected reprice must keep the previous price, got %s", listing.Price)
	}
}

func TestBuyAtPriceBeyondPayloadWord(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	price := new(big.Int).Lsh(big.NewInt(1), 260)
	if err := f.engine.ChangePrice(f.ctx, f.seller, f.assets[0], price); err != nil {
		t.Fatalf("change price: %v", err)
	}
	rich := newTestAddress(0x21)
	if err := f.ledger.Mint(rich, price); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Approve(rich, f.custody, price); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.Buy(f.ctx, rich, f.assets[0]); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if f.ledger.BalanceOf(f.seller).Cmp(price) != 0 {
		t.Fatalf("seller must receive %s, got %s", price, f.ledger.BalanceOf(f.seller))
	}
	if f.ownerOf(t, f.assets[0]) != rich {
		t.Fatalf("buyer must own the asset")
	}
}

func TestBuyPaymentFailureLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, buyer common.Address)
		kind    error
	}{
		{
			name: "insufficient allowance",
			prepare: func(t *testing.T, f *fixture, buyer common.Address) {
				if err := f.ledger.Mint(buyer, big.NewInt(1_000)); err != nil {
					t.Fatalf("mint: %v", err)
				}
			},
			kind: market.ErrInsufficientAllowance,
		},
		{
			name: "insufficient funds",
			prepare: func(t *testing.T, f *fixture, buyer common.Address) {
				if err := f.ledger.Mint(buyer, big.NewInt(10)); err != nil {
					t.Fatalf("mint: %v", err)
				}
				if err := f.ledger.Approve(buyer, f.custody, big.NewInt(1_000)); err != nil {
					t.Fatalf("approve: %v", err)
				}
			},
			kind: market.ErrInsufficientFunds,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mustDeposit(t, f.assets[0], big.NewInt(500))
			poorBuyer := newTestAddress(0x05)
			tc.prepare(t, f, poorBuyer)
			buyerBefore := f.ledger.BalanceOf(poorBuyer)
			allowanceBefore := f.ledger.Allowance(poorBuyer, f.custody)

			err := f.engine.Buy(f.ctx, poorBuyer, f.assets[0])
			if !errors.Is(err, market.ErrPaymentFailed) || !errors.Is(err, tc.kind) {
				t.Fatalf("expected payment failure %v, got %v", tc.kind, err)
			}
			if !f.engine.IsListed(f.assets[0]) {
				t.Fatalf("listing must survive a failed payment")
			}
			if f.ownerOf(t, f.assets[0]) != f.custody {
				t.Fatalf("asset must stay in custody")
			}
			if f.ledger.BalanceOf(poorBuyer).Cmp(buyerBefore) != 0 {
				t.Fatalf("buyer balance changed")
			}
			if f.ledger.Allowance(poorBuyer, f.custody).Cmp(allowanceBefore) != 0 {
				t.Fatalf("allowance changed")
			}
			if f.ledger.BalanceOf(f.seller).Sign() != 0 {
				t.Fatalf("seller paid despite failure")
			}
		})
	}
}

func TestBuyCustodyFailureRevertsPayment(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(500))
	buyerBefore := f.ledger.BalanceOf(f.buyer)
	allowanceBefore := f.ledger.Allowance(f.buyer, f.custody)

	f.registry.failTransfers = true
	err := f.engine.Buy(f.ctx, f.buyer, f.assets[0])
	if !errors.Is(err, market.ErrCustodyTransferFailed) {
		t.Fatalf("expected ErrCustodyTransferFailed, got %v", err)
	}
	if f.ledger.BalanceOf(f.buyer).Cmp(buyerBefore) != 0 {
		t.Fatalf("payment must be undone when custody release fails")
	}
	if f.ledger.Allowance(f.buyer, f.custody).Cmp(allowanceBefore) != 0 {
		t.Fatalf("allowance must be restored")
	}
	if f.ledger.BalanceOf(f.seller).Sign() != 0 {
		t.Fatalf("seller must not keep the payment")
	}
	if !f.engine.IsListed(f.assets[0]) {
		t.Fatalf("listing must be restored")
	}

	f.registry.failTransfers = false
	if err := f.engine.Buy(f.ctx, f.buyer, f.assets[0]); err != nil {
		t.Fatalf("retry after fixing registry: %v", err)
	}
	f.assertCoupled(t)
}

func TestCancelCustodyFailureKeepsListing(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(500))
	f.registry.failTransfers = true
	err := f.engine.CancelOrder(f.ctx, f.seller, f.assets[0])
	if !errors.Is(err, market.ErrCustodyTransferFailed) {
		t.Fatalf("expected ErrCustodyTransferFailed, got %v", err)
	}
	if !f.engine.IsListed(f.assets[0]) {
		t.Fatalf("listing removed although asset was not returned")
	}
	f.assertCoupled(t)
}

func TestSellerMayBuyOwnListing(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(100))
	if err := f.ledger.Mint(f.seller, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Approve(f.seller, f.custody, big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := f.engine.Buy(f.ctx, f.seller, f.assets[0]); err != nil {
		t.Fatalf("self purchase: %v", err)
	}
	if f.ownerOf(t, f.assets[0]) != f.seller {
		t.Fatalf("seller should hold the asset again")
	}
	if f.ledger.BalanceOf(f.seller).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("self purchase should be balance neutral, got %s", f.ledger.BalanceOf(f.seller))
	}
}

func TestRelistMovesToEnd(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(1))
	f.mustDeposit(t, f.assets[1], big.NewInt(2))
	if err := f.engine.CancelOrder(f.ctx, f.seller, f.assets[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.mustDeposit(t, f.assets[0], big.NewInt(3))
	all := f.engine.AllListings()
	if len(all) != 2 || all[0].AssetID.Int64() != 1 || all[1].AssetID.Int64() != 0 {
		t.Fatalf("expected re-listed asset at the end, got %+v", all)
	}
}

// reentrantLedger calls back into the engine while a unit of work is running.
type reentrantLedger struct {
	*bank.Ledger
	engine  *market.Engine
	attempt common.Address
	err     error
}

func (r *reentrantLedger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	r.err = r.engine.CancelOrder(ctx, r.attempt, big.NewInt(1))
	if r.err != nil {
		return r.err
	}
	return r.Ledger.TransferFrom(ctx, spender, from, to, amount)
}

func TestReentrantCallIsRejected(t *testing.T) {
	ledger := bank.NewLedger("cUSDT", 18)
	registry := nft.NewRegistry("MyNFT", "MNFT")
	store, err := state.NewListingStore(nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	custody, seller, buyer := newTestAddress(0xCC), newTestAddress(0x01), newTestAddress(0x02)
	hostile := &reentrantLedger{Ledger: ledger, attempt: seller}
	engine, err := market.NewEngine(custody, hostile, registry, store)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	hostile.engine = engine
	registry.SetReceiver(custody, engine.Custody())

	ctx := context.Background()
	payload, _ := market.EncodePrice(big.NewInt(0))
	for i := 0; i < 2; i++ {
		id, err := registry.Mint(seller)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := registry.SafeTransferFrom(ctx, seller, seller, custody, id, payload); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	err = engine.Buy(ctx, buyer, big.NewInt(0))
	if !errors.Is(hostile.err, market.ErrReentrantCall) {
		t.Fatalf("expected reentrant call to be rejected, got %v", hostile.err)
	}
	if !errors.Is(err, market.ErrPaymentFailed) {
		t.Fatalf("expected buy to fail, got %v", err)
	}
	if !engine.IsListed(big.NewInt(0)) || !engine.IsListed(big.NewInt(1)) {
		t.Fatalf("listings must be intact after rejected reentrancy")
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	f.engine.SetPauses(staticPauses{market.ModuleName: true})

	if err := f.engine.Buy(f.ctx, f.buyer, f.assets[0]); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := f.deposit(t, f.seller, f.assets[1], big.NewInt(5)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused deposit to be rejected, got %v", err)
	}
	if f.ownerOf(t, f.assets[1]) != f.seller {
		t.Fatalf("rejected deposit must leave asset with seller")
	}
	if !f.engine.IsListed(f.assets[0]) || len(f.engine.AllListings()) != 1 {
		t.Fatalf("queries must keep working while paused")
	}

	f.engine.SetPauses(nil)
	if err := f.engine.Buy(f.ctx, f.buyer, f.assets[0]); err != nil {
		t.Fatalf("buy after unpause: %v", err)
	}
}

func TestCancelledContextAbortsBeforeEffects(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.engine.Buy(ctx, f.buyer, f.assets[0]); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !f.engine.IsListed(f.assets[0]) {
		t.Fatalf("listing must survive aborted call")
	}
}

func TestEngineStateSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	custody, seller := newTestAddress(0xCC), newTestAddress(0x01)
	ledger := bank.NewLedger("cUSDT", 18)
	registry := nft.NewRegistry("MyNFT", "MNFT")

	store, err := state.NewListingStore(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	engine, err := market.NewEngine(custody, ledger, registry, store)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	registry.SetReceiver(custody, engine.Custody())
	id, _ := registry.Mint(seller)
	payload, _ := market.EncodePrice(big.NewInt(77))
	if err := registry.SafeTransferFrom(context.Background(), seller, seller, custody, id, payload); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	reopened, err := state.NewListingStore(db)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	restarted, err := market.NewEngine(custody, ledger, registry, reopened)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	listing, ok := restarted.Listing(id)
	if !ok || listing.Price.Cmp(big.NewInt(77)) != 0 || listing.Seller != seller {
		t.Fatalf("listing not restored after restart: %+v", listing)
	}
}

func TestConcurrentBuyersOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(10))
	buyers := []common.Address{newTestAddress(0x11), newTestAddress(0x12), newTestAddress(0x13), newTestAddress(0x14)}
	for _, b := range buyers {
		if err := f.ledger.Mint(b, big.NewInt(10)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := f.ledger.Approve(b, f.custody, big.NewInt(10)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	var wg sync.WaitGroup
	results := make([]error, len(buyers))
	for i, b := range buyers {
		wg.Add(1)
		go func(i int, b common.Address) {
			defer wg.Done()
			results[i] = f.engine.Buy(f.ctx, b, f.assets[0])
		}(i, b)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		switch {
		case err == nil:
			winners++
			if f.ownerOf(t, f.assets[0]) != buyers[i] {
				t.Fatalf("winner does not own the asset")
			}
		case !errors.Is(err, market.ErrNotListed):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if f.ledger.BalanceOf(f.seller).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("seller must be paid exactly once, got %s", f.ledger.BalanceOf(f.seller))
	}
}

// interleavingReceiver starts a competing lifecycle operation while a deposit
// notification is in flight, then rejects the deposit with a malformed payload.
type interleavingReceiver struct {
	custody *market.Custody
	compete func() error
	done    chan error
}

func (r *interleavingReceiver) OnAssetReceived(ctx context.Context, operator, from common.Address, id *big.Int, _ []byte) ([4]byte, error) {
	started := make(chan struct{})
	go func() {
		close(started)
		r.done <- r.compete()
	}()
	<-started
	// Give the competing operation a chance to run inside the deposit window.
	time.Sleep(20 * time.Millisecond)
	return r.custody.OnAssetReceived(ctx, operator, from, id, []byte{0x01, 0x02, 0x03})
}

func (f *fixture) rejectDepositDuring(t *testing.T, compete func() error) {
	t.Helper()
	recv := &interleavingReceiver{custody: f.engine.Custody(), compete: compete, done: make(chan error, 1)}
	f.registry.SetReceiver(f.custody, recv)
	defer f.registry.SetReceiver(f.custody, f.engine.Custody())

	if err := f.deposit(t, f.seller, f.assets[1], big.NewInt(5)); !errors.Is(err, market.ErrMalformedPrice) {
		t.Fatalf("expected deposit to be rejected as malformed, got %v", err)
	}
	select {
	case err := <-recv.done:
		if err != nil {
			t.Fatalf("competing operation: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("competing operation never finished")
	}
	if f.ownerOf(t, f.assets[1]) != f.seller || f.engine.IsListed(f.assets[1]) {
		t.Fatalf("rejected deposit must leave the asset with the seller")
	}
}

func TestRejectedDepositKeepsConcurrentBuy(t *testing.T) {
	f := newFixture(t)
	price := big.NewInt(100)
	f.mustDeposit(t, f.assets[0], price)
	sellerBefore := f.ledger.BalanceOf(f.seller)

	f.rejectDepositDuring(t, func() error {
		return f.engine.Buy(context.Background(), f.buyer, f.assets[0])
	})

	if f.ownerOf(t, f.assets[0]) != f.buyer {
		t.Fatalf("buyer must own the purchased asset, owner is %s", f.ownerOf(t, f.assets[0]).Hex())
	}
	if f.engine.IsListed(f.assets[0]) {
		t.Fatalf("purchased asset must not stay listed")
	}
	want := new(big.Int).Add(sellerBefore, price)
	if got := f.ledger.BalanceOf(f.seller); got.Cmp(want) != 0 {
		t.Fatalf("seller balance: got %s want %s", got, want)
	}
	f.assertCoupled(t)
}

func TestRejectedDepositKeepsConcurrentCancel(t *testing.T) {
	f := newFixture(t)
	f.mustDeposit(t, f.assets[0], big.NewInt(100))

	f.rejectDepositDuring(t, func() error {
		return f.engine.CancelOrder(context.Background(), f.seller, f.assets[0])
	})

	if f.ownerOf(t, f.assets[0]) != f.seller {
		t.Fatalf("cancelled asset must be back with the seller")
	}
	if f.engine.IsListed(f.assets[0]) || len(f.engine.AllListings()) != 0 {
		t.Fatalf("expected no listings, got %+v", f.engine.AllListings())
	}
	f.assertCoupled(t)
}
