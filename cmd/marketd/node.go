package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	"nftmarket/config"
	"nftmarket/core/state"
	"nftmarket/native/bank"
	"nftmarket/native/market"
	"nftmarket/native/nft"
	"nftmarket/observability"
	"nftmarket/storage"
)

// node bundles the in-process collaborators the daemon serves.
type node struct {
	cfg      *config.Config
	db       storage.Database
	store    *state.ListingStore
	ledger   *bank.Ledger
	registry *nft.Registry
	engine   *market.Engine
	custody  common.Address
	logger   *slog.Logger
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.DBBackend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendPostgres:
		return storage.NewPostgresDB(cfg.DatabaseURL)
	case config.BackendLevelDB, config.BackendBolt, config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		switch cfg.DBBackend {
		case config.BackendBolt:
			return storage.NewBoltDB(filepath.Join(cfg.DataDir, "market.db"))
		case config.BackendSQLite:
			return storage.NewSQLiteDB(filepath.Join(cfg.DataDir, "market.sqlite"))
		default:
			return storage.NewLevelDB(filepath.Join(cfg.DataDir, "listings"))
		}
	default:
		return nil, fmt.Errorf("unsupported db backend %q", cfg.DBBackend)
	}
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	custody, err := cfg.Custody()
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	n := &node{
		cfg:      cfg,
		db:       db,
		ledger:   bank.NewLedger(cfg.Payment.Symbol, cfg.Payment.Decimals),
		registry: nft.NewRegistry(cfg.Registry.Name, cfg.Registry.Symbol),
		custody:  custody,
		logger:   logger,
	}
	if n.store, err = state.NewListingStore(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("load listings: %w", err)
	}
	if n.engine, err = market.NewEngine(custody, n.ledger, n.registry, n.store); err != nil {
		db.Close()
		return nil, err
	}
	metrics := observability.Market()
	n.engine.SetLogger(logger.With("component", "market"))
	n.engine.SetObserver(metrics)
	n.engine.SetEmitter(observability.CountingEmitter{Next: newEventLogger(logger, cfg.Payment, metrics)})
	n.registry.SetReceiver(custody, n.engine.Custody())

	if err := n.restoreCustody(); err != nil {
		db.Close()
		return nil, err
	}
	if err := n.applySeed(ctx); err != nil {
		db.Close()
		return nil, err
	}
	// Pauses apply after seeding so seeded listings are always created.
	n.engine.SetPauses(cfg.Pauses)
	metrics.SetPause(cfg.Pauses.Market)
	return n, nil
}

// restoreCustody re-mints every persisted listing into the custody account.
// The reference registry keeps ownership in memory only.
func (n *node) restoreCustody() error {
	restored := n.store.All()
	for _, listing := range restored {
		if err := n.registry.MintID(n.custody, listing.AssetID); err != nil {
			return fmt.Errorf("restore custody of asset %s: %w", listing.AssetID, err)
		}
	}
	if len(restored) > 0 {
		n.logger.Info("restored listings", "count", len(restored), "backend", n.cfg.DBBackend)
	}
	return nil
}

// applySeed funds configured accounts on every start. Seed assets are only
// minted into an empty market so restarts do not duplicate them.
func (n *node) applySeed(ctx context.Context) error {
	for _, raw := range n.cfg.Seed.Balances {
		bal, err := raw.Parse()
		if err != nil {
			return err
		}
		if err := n.ledger.Mint(bal.Address, bal.Amount); err != nil {
			return fmt.Errorf("seed balance %s: %w", bal.Address.Hex(), err)
		}
		if bal.Approve != nil {
			if err := n.ledger.Approve(bal.Address, n.custody, bal.Approve); err != nil {
				return fmt.Errorf("seed approval %s: %w", bal.Address.Hex(), err)
			}
		}
	}
	if n.store.Len() > 0 {
		return nil
	}
	for _, raw := range n.cfg.Seed.Assets {
		owner, price, err := raw.Parse()
		if err != nil {
			return err
		}
		id, err := n.registry.Mint(owner)
		if err != nil {
			return fmt.Errorf("seed asset: %w", err)
		}
		if price == nil {
			continue
		}
		payload, err := market.EncodePrice(price)
		if err != nil {
			return fmt.Errorf("seed asset %s: %w", id, err)
		}
		if err := n.registry.SafeTransferFrom(ctx, owner, owner, n.custody, id, payload); err != nil {
			return fmt.Errorf("seed listing %s: %w", id, err)
		}
	}
	return nil
}

func (n *node) Close() {
	if n.db != nil {
		n.db.Close()
	}
}
