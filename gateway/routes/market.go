package routes

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"nftmarket/gateway/middleware"
	"nftmarket/native/market"
)

// MarketReader is the query surface of the market engine.
type MarketReader interface {
	AllListings() []*market.Listing
	Listing(id *big.Int) (*market.Listing, bool)
	ListingsBySeller(seller common.Address) []*market.Listing
	CustodyAddress() common.Address
}

// MarketInfo describes the collaborators the market settles against.
type MarketInfo struct {
	PaymentSymbol   string
	PaymentDecimals uint8
	RegistryName    string
	RegistrySymbol  string
	Paused          func() bool
}

type listingJSON struct {
	AssetID  string `json:"assetId"`
	Seller   string `json:"seller"`
	Price    string `json:"price"`
	Sequence uint64 `json:"sequence"`
}

type listingsJSON struct {
	Listings []listingJSON `json:"listings"`
	Total    int           `json:"total"`
}

type configJSON struct {
	Custody string    `json:"custody"`
	ERC20   tokenJSON `json:"erc20"`
	ERC721  nftJSON   `json:"erc721"`
	Paused  bool      `json:"paused"`
}

type tokenJSON struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type nftJSON struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

type errorJSON struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type marketRoutes struct {
	market MarketReader
	info   MarketInfo
	logger *slog.Logger
}

func (m *marketRoutes) mount(r chi.Router) {
	r.Get("/listings", m.listAll)
	r.Get("/listings/{id}", m.getListing)
	r.Get("/sellers/{address}/listings", m.listBySeller)
	r.Get("/config", m.config)
}

func (m *marketRoutes) listAll(w http.ResponseWriter, r *http.Request) {
	page, err := paginate(m.market.AllListings(), r)
	if err != nil {
		m.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, page)
}

func (m *marketRoutes) getListing(w http.ResponseWriter, r *http.Request) {
	id, ok := new(big.Int).SetString(chi.URLParam(r, "id"), 10)
	if !ok || id.Sign() < 0 {
		m.writeError(w, r, http.StatusBadRequest, "asset id must be a non-negative decimal integer")
		return
	}
	listing, found := m.market.Listing(id)
	if !found {
		m.writeError(w, r, http.StatusNotFound, market.ErrNotListed.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, toListingJSON(listing))
}

func (m *marketRoutes) listBySeller(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		m.writeError(w, r, http.StatusBadRequest, "invalid seller address")
		return
	}
	page, err := paginate(m.market.ListingsBySeller(common.HexToAddress(raw)), r)
	if err != nil {
		m.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m.writeJSON(w, http.StatusOK, page)
}

func (m *marketRoutes) config(w http.ResponseWriter, r *http.Request) {
	out := configJSON{
		Custody: m.market.CustodyAddress().Hex(),
		ERC20:   tokenJSON{Symbol: m.info.PaymentSymbol, Decimals: m.info.PaymentDecimals},
		ERC721:  nftJSON{Name: m.info.RegistryName, Symbol: m.info.RegistrySymbol},
	}
	if m.info.Paused != nil {
		out.Paused = m.info.Paused()
	}
	m.writeJSON(w, http.StatusOK, out)
}

type pageError string

func (e pageError) Error() string { return string(e) }

func paginate(listings []*market.Listing, r *http.Request) (listingsJSON, error) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return listingsJSON{}, err
	}
	limit, err := queryInt(r, "limit", len(listings))
	if err != nil {
		return listingsJSON{}, err
	}
	out := listingsJSON{Listings: []listingJSON{}, Total: len(listings)}
	if offset >= len(listings) {
		return out, nil
	}
	end := len(listings)
	if limit < end-offset {
		end = offset + limit
	}
	for _, listing := range listings[offset:end] {
		out.Listings = append(out.Listings, toListingJSON(listing))
	}
	return out, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, pageError(key + " must be a non-negative integer")
	}
	return v, nil
}

func toListingJSON(l *market.Listing) listingJSON {
	return listingJSON{
		AssetID:  l.AssetID.String(),
		Seller:   l.Seller.Hex(),
		Price:    l.Price.String(),
		Sequence: l.Seq,
	}
}

func (m *marketRoutes) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Warn("encode response", "error", err)
	}
}

func (m *marketRoutes) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	m.writeJSON(w, status, errorJSON{Error: message, RequestID: middleware.RequestID(r.Context())})
}
