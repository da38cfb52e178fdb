// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — order types, market
// metadata, order book snapshots, fill records, and WebSocket event payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OutcomeSide identifies which outcome token of a binary market a trade is on.
type OutcomeSide string

const (
	OutcomeYes OutcomeSide = "YES"
	OutcomeNo  OutcomeSide = "NO"
)

// Opposite returns the other outcome of a binary market.
func (o OutcomeSide) Opposite() OutcomeSide {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// Schedule is the cadence of the up/down markets the trader runs on.
// Each schedule maps to a family of short-lived markets whose slugs embed
// the period length and period start.
type Schedule string

const (
	Schedule15m Schedule = "15m"
	Schedule1h  Schedule = "1h"
)

// Duration returns the period length of the schedule.
func (s Schedule) Duration() time.Duration {
	switch s {
	case Schedule15m:
		return 15 * time.Minute
	case Schedule1h:
		return time.Hour
	default:
		return 0
	}
}

// Valid reports whether s is a recognized schedule.
func (s Schedule) Valid() bool {
	return s == Schedule15m || s == Schedule1h
}

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a Polymarket binary market.
// Populated from the Gamma API by the catalog and passed to the strategy
// layer. A binary market has exactly two tokens (YES and NO) whose prices
// always sum to ~$1.
type MarketInfo struct {
	ID          string // Gamma market ID
	ConditionID string // CTF condition ID (used for cancels + user WS subscription)
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Bitcoin up or down?"

	YesTokenID string // CLOB token ID for the YES (up) outcome
	NoTokenID  string // CLOB token ID for the NO (down) outcome

	TickSize     TickSize // price granularity (determines rounding)
	MinOrderSize float64  // minimum order size in tokens
	NegRisk      bool     // true if this is a neg-risk market (affects CTF exchange)

	Active          bool      // market is live
	Closed          bool      // market has been resolved
	AcceptingOrders bool      // CLOB is accepting new orders
	StartDate       time.Time // period start
	EndDate         time.Time // when the market is scheduled to resolve

	// OutcomePrices are the published final (or current) prices for
	// [YES, NO]. At resolution the winning side reads 1.0.
	OutcomePrices []float64
}

// TokenID returns the CLOB token id for the given outcome.
func (m *MarketInfo) TokenID(side OutcomeSide) string {
	if side == OutcomeYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// Running reports whether the market's period covers now.
func (m *MarketInfo) Running(now time.Time) bool {
	if m.StartDate.IsZero() || m.EndDate.IsZero() {
		return false
	}
	return !now.Before(m.StartDate) && now.Before(m.EndDate)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the strategy.
// The exchange client signs it and converts it to a SignedOrder for the
// CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC
	TickSize   TickSize  // market's price granularity (for amount rounding)
	NegRisk    bool      // routes signing to the neg-risk CTF exchange
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          json.Number   `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   string        `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   string        `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order and /orders.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderType   `json:"orderType"` // GTC
}

// OrderResponse is the REST API response for an order placement.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // e.g. "live", "matched", "delayed"
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "live", "matched", etc.
	Market       string `json:"market"`        // condition ID
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
	Outcome      string `json:"outcome"`       // "Yes" or "No"
	CreatedAt    int64  `json:"created_at"`
}

// UnmarshalJSON tolerates the field-name variants different gateway versions
// emit for the same order record: the id arrives as id, orderID, or order_id;
// the matched quantity as size_matched, sizeMatched, or filled_amount; the
// initial quantity as original_size, originalSize, total_amount, or size.
// This is the single parsing boundary — the raw map never escapes it.
func (o *OpenOrder) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.ID = pickField(m, "id", "orderID", "order_id")
	o.Status = pickField(m, "status")
	o.Market = pickField(m, "market", "condition_id")
	o.AssetID = pickField(m, "asset_id", "assetId", "token_id")
	o.Side = pickField(m, "side")
	o.OriginalSize = pickField(m, "original_size", "originalSize", "total_amount", "size")
	o.SizeMatched = pickField(m, "size_matched", "sizeMatched", "filled_amount")
	o.Price = pickField(m, "price")
	o.Outcome = pickField(m, "outcome")
	if raw := pickField(m, "created_at", "createdAt"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			o.CreatedAt = n
		}
	}
	return nil
}

// pickField returns the first present, non-empty key as a string. Numeric
// values are formatted without trailing zeros so "50" and 50 read the same.
func pickField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// OpenOrdersResponse is the paged body of GET /data/orders.
type OpenOrdersResponse struct {
	Data       []OpenOrder `json:"data"`
	NextCursor string      `json:"next_cursor"`
}

// CancelResponse is returned by DELETE /order, /orders, /cancel-all,
// /cancel-market-orders.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`     // IDs of successfully cancelled orders
	NotCanceled map[string]string `json:"not_canceled"` // ID → reason for the rest
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// MakerOrderFill is one maker leg inside a TradeFill. When one of our
// resting orders is hit, it shows up here rather than as the taker.
type MakerOrderFill struct {
	OrderID       string `json:"order_id"`
	Owner         string `json:"owner"`
	MakerAddress  string `json:"maker_address"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	AssetID       string `json:"asset_id"`
	Outcome       string `json:"outcome"`
	Side          Side   `json:"side"`
}

// TradeFill is one settled (or settling) match from GET /data/trades.
// Our order id appears either as TakerOrderID or inside MakerOrders.
type TradeFill struct {
	ID           string           `json:"id"`
	TakerOrderID string           `json:"taker_order_id"`
	Market       string           `json:"market"`   // condition ID
	AssetID      string           `json:"asset_id"` // token ID
	Side         Side             `json:"side"`
	Size         string           `json:"size"`
	Price        string           `json:"price"`
	Status       string           `json:"status"` // MATCHED, MINED, CONFIRMED, RETRYING, FAILED
	MatchTime    string           `json:"match_time"`
	LastUpdate   string           `json:"last_update"`
	Outcome      string           `json:"outcome"`
	Owner        string           `json:"owner"`
	MakerAddress string           `json:"maker_address"`
	TraderSide   string           `json:"trader_side"` // "TAKER" or "MAKER"
	MakerOrders  []MakerOrderFill `json:"maker_orders"`
}

// TradeParams filters GET /data/trades.
type TradeParams struct {
	ID      string
	Market  string
	AssetID string
	Maker   string
}

// BalanceAllowance is the body of GET /balance-allowance.
type BalanceAllowance struct {
	Balance    string            `json:"balance"`
	Allowances map[string]string `json:"allowances"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the Polymarket WebSocket.
// Market channel events: "book" (full snapshot), "price_change" (delta).
// User channel events: "trade" (fill), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`  // book version hash
	Buys      []PriceLevel `json:"buys"`  // bid levels
	Sells     []PriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`    // the price level that changed
	Size    string `json:"size"`     // new size at that level (0 = removed)
	Side    string `json:"side"`     // "BUY" or "SELL"
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
// Received when one of our orders gets matched. Our order id is either
// TakerOrderID or inside MakerOrders, mirroring TradeFill.
type WSTradeEvent struct {
	EventType    string           `json:"event_type"` // always "trade"
	ID           string           `json:"id"`         // trade ID
	TakerOrderID string           `json:"taker_order_id"`
	Market       string           `json:"market"`   // condition ID
	AssetID      string           `json:"asset_id"` // token ID that was traded
	Side         string           `json:"side"`     // our side: "BUY" or "SELL"
	Size         string           `json:"size"`     // filled quantity
	Price        string           `json:"price"`    // fill price
	Status       string           `json:"status"`   // MATCHED, MINED, CONFIRMED, FAILED
	Outcome      string           `json:"outcome"`  // "Yes" or "No"
	MakerOrders  []MakerOrderFill `json:"maker_orders"`
	Timestamp    string           `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`         // order ID
	Market          string   `json:"market"`     // condition ID
	AssetID         string   `json:"asset_id"`   // token ID
	Side            string   `json:"side"`       // "BUY" or "SELL"
	Price           string   `json:"price"`
	Status          string   `json:"status"`       // "live", "matched", "cancelled", ...
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`      // "Yes" or "No"
	Owner           string   `json:"owner"`        // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"`             // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"` // trade IDs from partial fills
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	Markets   []string `json:"markets,omitempty"`    // condition IDs (user channel)
	Operation string   `json:"operation"`            // "subscribe" or "unsubscribe"
}
