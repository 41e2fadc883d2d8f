package market

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// PriceWidth is the byte width of the price carried in a custody notification
// payload: one big-endian 256-bit word.
const PriceWidth = 32

// DecodePrice extracts the asking price from a custody notification payload.
// Zero is a valid price.
func DecodePrice(payload []byte) (*big.Int, error) {
	if len(payload) != PriceWidth {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", ErrMalformedPrice, len(payload), PriceWidth)
	}
	return new(uint256.Int).SetBytes32(payload).ToBig(), nil
}

// EncodePrice renders price as a custody notification payload.
func EncodePrice(price *big.Int) ([]byte, error) {
	if err := CheckPrice(price); err != nil {
		return nil, err
	}
	word, overflow := uint256.FromBig(price)
	if overflow {
		return nil, fmt.Errorf("%w: price exceeds %d bits", ErrMalformedPrice, PriceWidth*8)
	}
	out := word.Bytes32()
	return out[:], nil
}

// CheckPrice reports whether price is a valid asking price: any non-negative
// integer. Only the notification payload is bounded to one word.
func CheckPrice(price *big.Int) error {
	if price == nil || price.Sign() < 0 {
		return fmt.Errorf("%w: price must be non-negative", ErrMalformedPrice)
	}
	return nil
}
