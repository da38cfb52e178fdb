// Package orders owns order placement, tracking, and reconciliation.
//
// The manager places buys and sells and keeps an in-memory registry of
// working orders; the reconciler folds evidence from three sources
// (trade history, the open-orders listing, and per-order lookups) into
// the store. WebSocket user events short-circuit the polling paths but
// never replace them.
package orders

import (
	"strconv"
	"strings"

	"polytrader/pkg/types"
)

// State is the normalized view of one exchange order, whichever source
// it came from.
type State struct {
	ID           string
	Status       string
	Side         string
	Market       string
	AssetID      string
	Price        float64
	SizeMatched  float64
	OriginalSize float64
}

// FromOpenOrder normalizes a REST order record.
func FromOpenOrder(o *types.OpenOrder) State {
	return State{
		ID:           o.ID,
		Status:       strings.ToLower(o.Status),
		Side:         strings.ToUpper(o.Side),
		Market:       o.Market,
		AssetID:      o.AssetID,
		Price:        parseFloat(o.Price),
		SizeMatched:  parseFloat(o.SizeMatched),
		OriginalSize: parseFloat(o.OriginalSize),
	}
}

// FromOrderEvent normalizes a user-channel order event.
func FromOrderEvent(evt types.WSOrderEvent) State {
	return State{
		ID:           evt.ID,
		Status:       strings.ToLower(evt.Status),
		Side:         strings.ToUpper(evt.Side),
		Market:       evt.Market,
		AssetID:      evt.AssetID,
		Price:        parseFloat(evt.Price),
		SizeMatched:  parseFloat(evt.SizeMatched),
		OriginalSize: parseFloat(evt.OriginalSize),
	}
}

// Filled reports whether the order is fully matched: either a terminal
// matched status, or the matched quantity reached the original size.
func Filled(status string, matched, original float64) bool {
	switch strings.ToLower(status) {
	case "filled", "matched", "complete":
		return true
	}
	return original > 0 && matched >= original
}

// Filled on the normalized state.
func (s State) Filled() bool {
	return Filled(s.Status, s.SizeMatched, s.OriginalSize)
}

// PartiallyFilled reports a live order with some but not all quantity matched.
func (s State) PartiallyFilled() bool {
	return !s.Filled() && s.SizeMatched > 0
}

// IsLive reports whether the status means the order is still working.
func IsLive(status string) bool {
	switch strings.ToLower(status) {
	case "live", "open", "delayed":
		return true
	}
	return false
}

// Cancelled reports a terminal cancel status.
func Cancelled(status string) bool {
	switch strings.ToLower(status) {
	case "cancelled", "canceled":
		return true
	}
	return false
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
