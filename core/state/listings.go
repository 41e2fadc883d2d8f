package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/orderedcode"

	"nftmarket/core/journal"
	"nftmarket/native/market"
	"nftmarket/storage"
)

const listingKeyPrefix = "listing"

var errNilListingID = errors.New("listing store: asset id required")

// storedListing is the RLP layout persisted for each active listing.
type storedListing struct {
	AssetID *big.Int
	Seller  common.Address
	Price   *big.Int
	Seq     uint64
}

// listingView is an immutable projection of the committed listings. It is
// replaced wholesale on every commit and never mutated afterwards.
type listingView struct {
	ordered  []*market.Listing
	byKey    map[string]*market.Listing
	bySeller map[common.Address][]*market.Listing
}

// ListingStore owns every active listing. Mutations act on a journaled working
// set; readers of IsListed, All and BySeller only ever see the state published
// by the last successful Commit. A nil database keeps the store in memory.
type ListingStore struct {
	mu       sync.Mutex
	db       storage.Database
	listings map[string]*market.Listing
	bySeller map[common.Address]map[string]struct{}
	nextSeq  uint64
	dirty    map[string]struct{}
	journal  journal.Journal

	view atomic.Pointer[listingView]
}

// NewListingStore opens a listing store backed by db, reloading any persisted
// listings together with their insertion order.
func NewListingStore(db storage.Database) (*ListingStore, error) {
	s := &ListingStore{
		db:       db,
		listings: make(map[string]*market.Listing),
		bySeller: make(map[common.Address]map[string]struct{}),
		dirty:    make(map[string]struct{}),
	}
	if db != nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	s.publish()
	return s, nil
}

func (s *ListingStore) load() error {
	prefix, err := orderedcode.Append(nil, listingKeyPrefix)
	if err != nil {
		return err
	}
	return s.db.Iterate(prefix, func(key, value []byte) error {
		var rec storedListing
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("listing store: decode %x: %w", key, err)
		}
		listing, err := market.SanitizeListing(&market.Listing{
			AssetID: rec.AssetID,
			Seller:  rec.Seller,
			Price:   rec.Price,
			Seq:     rec.Seq,
		})
		if err != nil {
			return fmt.Errorf("listing store: %x: %w", key, err)
		}
		k := market.AssetKey(listing.AssetID)
		s.listings[k] = listing
		s.indexSeller(listing.Seller, k)
		if listing.Seq >= s.nextSeq {
			s.nextSeq = listing.Seq + 1
		}
		return nil
	})
}

func listingKey(id *big.Int) ([]byte, error) {
	return orderedcode.Append(nil, listingKeyPrefix, market.AssetKey(id))
}

// Insert records a new listing. It fails with market.ErrAlreadyListed when the
// asset already has an active listing.
func (s *ListingStore) Insert(id *big.Int, seller common.Address, price *big.Int) error {
	if id == nil {
		return errNilListingID
	}
	listing, err := market.SanitizeListing(&market.Listing{AssetID: id, Seller: seller, Price: price})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := market.AssetKey(id)
	if _, ok := s.listings[key]; ok {
		return market.ErrAlreadyListed
	}
	prevSeq := s.nextSeq
	listing.Seq = s.nextSeq
	s.nextSeq++
	s.listings[key] = listing
	s.indexSeller(seller, key)
	s.dirty[key] = struct{}{}
	s.journal.Append(func() {
		delete(s.listings, key)
		s.unindexSeller(seller, key)
		s.nextSeq = prevSeq
	})
	return nil
}

// Remove deletes the listing and returns the removed record.
func (s *ListingStore) Remove(id *big.Int) (*market.Listing, error) {
	if id == nil {
		return nil, errNilListingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := market.AssetKey(id)
	listing, ok := s.listings[key]
	if !ok {
		return nil, market.ErrNotListed
	}
	delete(s.listings, key)
	s.unindexSeller(listing.Seller, key)
	s.dirty[key] = struct{}{}
	s.journal.Append(func() {
		s.listings[key] = listing
		s.indexSeller(listing.Seller, key)
	})
	return listing.Clone(), nil
}

// SetPrice replaces the asking price of an active listing.
func (s *ListingStore) SetPrice(id *big.Int, price *big.Int) error {
	if id == nil {
		return errNilListingID
	}
	if price == nil || price.Sign() < 0 {
		return market.ErrMalformedPrice
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := market.AssetKey(id)
	current, ok := s.listings[key]
	if !ok {
		return market.ErrNotListed
	}
	updated := current.Clone()
	updated.Price = new(big.Int).Set(price)
	s.listings[key] = updated
	s.dirty[key] = struct{}{}
	s.journal.Append(func() { s.listings[key] = current })
	return nil
}

// Get returns a copy of the listing from the working set.
func (s *ListingStore) Get(id *big.Int) (*market.Listing, bool) {
	if id == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	listing, ok := s.listings[market.AssetKey(id)]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

// IsListed reports whether the asset has a committed listing.
func (s *ListingStore) IsListed(id *big.Int) bool {
	if id == nil {
		return false
	}
	_, ok := s.view.Load().byKey[market.AssetKey(id)]
	return ok
}

// Committed returns a copy of the committed listing for the asset.
func (s *ListingStore) Committed(id *big.Int) (*market.Listing, bool) {
	if id == nil {
		return nil, false
	}
	listing, ok := s.view.Load().byKey[market.AssetKey(id)]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

// All returns copies of the committed listings in insertion order.
func (s *ListingStore) All() []*market.Listing {
	return cloneListings(s.view.Load().ordered)
}

// BySeller returns copies of the seller's committed listings in insertion
// order.
func (s *ListingStore) BySeller(seller common.Address) []*market.Listing {
	return cloneListings(s.view.Load().bySeller[seller])
}

// Len returns the number of committed listings.
func (s *ListingStore) Len() int {
	return len(s.view.Load().ordered)
}

// Snapshot opens a rollback point over the working set.
func (s *ListingStore) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.Snapshot()
}

// RevertToSnapshot undoes working-set mutations made since the snapshot.
func (s *ListingStore) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal.Revert(id)
}

// DiscardSnapshot closes the snapshot keeping its mutations.
func (s *ListingStore) DiscardSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal.Discard(id)
}

// Commit persists every listing touched since the previous commit in a single
// batch and publishes the working set to readers. Nothing is published when
// the write fails.
func (s *ListingStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil && len(s.dirty) > 0 {
		ops := make([]storage.Op, 0, len(s.dirty))
		for key := range s.dirty {
			id, ok := new(big.Int).SetString(key, 10)
			if !ok {
				return fmt.Errorf("listing store: invalid key %q", key)
			}
			dbKey, err := listingKey(id)
			if err != nil {
				return err
			}
			listing, ok := s.listings[key]
			if !ok {
				ops = append(ops, storage.Op{Key: dbKey, Delete: true})
				continue
			}
			encoded, err := rlp.EncodeToBytes(&storedListing{
				AssetID: listing.AssetID,
				Seller:  listing.Seller,
				Price:   listing.Price,
				Seq:     listing.Seq,
			})
			if err != nil {
				return err
			}
			ops = append(ops, storage.Op{Key: dbKey, Value: encoded})
		}
		if err := s.db.Apply(ops); err != nil {
			return fmt.Errorf("listing store: persist: %w", err)
		}
	}
	s.dirty = make(map[string]struct{})
	s.publishLocked()
	return nil
}

func (s *ListingStore) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked()
}

func (s *ListingStore) publishLocked() {
	ordered := make([]*market.Listing, 0, len(s.listings))
	for _, listing := range s.listings {
		ordered = append(ordered, listing.Clone())
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	view := &listingView{
		ordered:  ordered,
		byKey:    make(map[string]*market.Listing, len(ordered)),
		bySeller: make(map[common.Address][]*market.Listing, len(s.bySeller)),
	}
	for _, listing := range ordered {
		view.byKey[market.AssetKey(listing.AssetID)] = listing
	}
	for seller, keys := range s.bySeller {
		owned := make([]*market.Listing, 0, len(keys))
		for key := range keys {
			owned = append(owned, view.byKey[key])
		}
		sort.Slice(owned, func(i, j int) bool { return owned[i].Seq < owned[j].Seq })
		view.bySeller[seller] = owned
	}
	s.view.Store(view)
}

func (s *ListingStore) indexSeller(seller common.Address, key string) {
	set := s.bySeller[seller]
	if set == nil {
		set = make(map[string]struct{})
		s.bySeller[seller] = set
	}
	set[key] = struct{}{}
}

func (s *ListingStore) unindexSeller(seller common.Address, key string) {
	set := s.bySeller[seller]
	if set == nil {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(s.bySeller, seller)
	}
}

func cloneListings(in []*market.Listing) []*market.Listing {
	out := make([]*market.Listing, len(in))
	for i, listing := range in {
		out[i] = listing.Clone()
	}
	return out
}
