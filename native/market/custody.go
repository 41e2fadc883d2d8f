package market

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AcceptanceToken is returned to the asset registry to accept an inbound
// transfer: the ERC-721 onERC721Received selector.
var AcceptanceToken = func() [4]byte {
	var sel [4]byte
	copy(sel[:], ethcrypto.Keccak256([]byte("onERC721Received(address,address,uint256,bytes)"))[:4])
	return sel
}()

// Custody is the boundary between the engine and the asset registry. It turns
// inbound transfer notifications into listings and moves assets out of custody
// on the engine's behalf.
type Custody struct {
	engine  *Engine
	address common.Address
}

// Address returns the account assets are held under while listed.
func (c *Custody) Address() common.Address { return c.address }

// OnAssetReceived is invoked by the asset registry after an asset has been
// transferred to the custody account. The payload carries the asking price.
// Returning an error (or anything but AcceptanceToken) makes the registry roll
// the transfer back, so custody and listing are always created together.
func (c *Custody) OnAssetReceived(ctx context.Context, operator, from common.Address, id *big.Int, data []byte) ([4]byte, error) {
	start := time.Now()
	price, err := c.verify(id, data)
	if err != nil {
		c.engine.observe(OpList, err, start)
		return [4]byte{}, err
	}
	if err := c.engine.list(ctx, from, id, price); err != nil {
		return [4]byte{}, err
	}
	return AcceptanceToken, nil
}

func (c *Custody) verify(id *big.Int, data []byte) (*big.Int, error) {
	if id == nil {
		return nil, errNilAssetID
	}
	owner, err := c.engine.registry.OwnerOf(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognizedCustodyEvent, err)
	}
	if owner != c.address {
		return nil, fmt.Errorf("%w: asset %s is held by %s", ErrUnrecognizedCustodyEvent, id, owner.Hex())
	}
	return DecodePrice(data)
}

// release moves an asset out of custody. Only the engine calls it, inside a
// unit of work.
func (c *Custody) release(ctx context.Context, id *big.Int, to common.Address) error {
	if err := c.engine.registry.TransferFrom(ctx, c.address, c.address, to, id); err != nil {
		return fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
	}
	return nil
}
