package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Listing binds one custodied asset to its seller and asking price. Seq is the
// store-assigned insertion sequence used to order projections; re-listing an
// asset always yields a larger sequence.
type Listing struct {
	AssetID *big.Int
	Seller  common.Address
	Price   *big.Int
	Seq     uint64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.AssetID = cloneBigInt(l.AssetID)
	clone.Price = cloneBigInt(l.Price)
	return &clone
}

// SanitizeListing validates the listing and returns a normalised clone with
// non-nil numeric fields. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, errNilListing
	}
	if l.AssetID == nil || l.AssetID.Sign() < 0 {
		return nil, errInvalidAssetID
	}
	if l.Price == nil || l.Price.Sign() < 0 {
		return nil, fmt.Errorf("%w: listing price must be non-negative", ErrMalformedPrice)
	}
	return l.Clone(), nil
}

// AssetKey returns the canonical map key for an asset identifier.
func AssetKey(id *big.Int) string {
	if id == nil {
		return "0"
	}
	return id.String()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
