package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Read-only projections. They never block on an in-flight mutation and always
// reflect the last committed unit of work.

// IsListed reports whether the asset currently has an active listing.
func (e *Engine) IsListed(id *big.Int) bool {
	return e.store.IsListed(id)
}

// Listing returns a copy of the active listing for the asset.
func (e *Engine) Listing(id *big.Int) (*Listing, bool) {
	return e.store.Committed(id)
}

// AllListings returns every active listing, oldest (re-)insertion first.
func (e *Engine) AllListings() []*Listing {
	return e.store.All()
}

// ListingsBySeller returns the seller's active listings in the same order as
// AllListings.
func (e *Engine) ListingsBySeller(seller common.Address) []*Listing {
	return e.store.BySeller(seller)
}

// CustodyAddress returns the account listed assets are held under.
func (e *Engine) CustodyAddress() common.Address { return e.custody.address }

// Ledger returns the payment ledger the engine settles in.
func (e *Engine) Ledger() PaymentLedger { return e.ledger }

// Registry returns the asset registry the engine holds custody in.
func (e *Engine) Registry() AssetRegistry { return e.registry }
