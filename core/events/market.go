package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/core/types"
)

const (
	// TypeMarketListed is emitted when an asset enters custody and is listed.
	TypeMarketListed = "market.listed"
	// TypeMarketCancelled is emitted when a seller withdraws a listing.
	TypeMarketCancelled = "market.cancelled"
	// TypeMarketRepriced is emitted when a seller changes the asking price.
	TypeMarketRepriced = "market.repriced"
	// TypeMarketSold is emitted when a buyer completes a purchase.
	TypeMarketSold = "market.sold"
)

type MarketListed struct {
	AssetID *big.Int
	Seller  common.Address
	Price   *big.Int
}

func (MarketListed) EventType() string { return TypeMarketListed }

func (e MarketListed) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketListed,
		Attributes: map[string]string{
			"assetId": bigString(e.AssetID),
			"seller":  e.Seller.Hex(),
			"price":   bigString(e.Price),
		},
	}
}

type MarketCancelled struct {
	AssetID *big.Int
	Seller  common.Address
}

func (MarketCancelled) EventType() string { return TypeMarketCancelled }

func (e MarketCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketCancelled,
		Attributes: map[string]string{
			"assetId": bigString(e.AssetID),
			"seller":  e.Seller.Hex(),
		},
	}
}

type MarketRepriced struct {
	AssetID  *big.Int
	Seller   common.Address
	OldPrice *big.Int
	NewPrice *big.Int
}

func (MarketRepriced) EventType() string { return TypeMarketRepriced }

func (e MarketRepriced) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketRepriced,
		Attributes: map[string]string{
			"assetId":  bigString(e.AssetID),
			"seller":   e.Seller.Hex(),
			"oldPrice": bigString(e.OldPrice),
			"newPrice": bigString(e.NewPrice),
		},
	}
}

type MarketSold struct {
	AssetID *big.Int
	Seller  common.Address
	Buyer   common.Address
	Price   *big.Int
}

func (MarketSold) EventType() string { return TypeMarketSold }

func (e MarketSold) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketSold,
		Attributes: map[string]string{
			"assetId": bigString(e.AssetID),
			"seller":  e.Seller.Hex(),
			"buyer":   e.Buyer.Hex(),
			"price":   bigString(e.Price),
		},
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
