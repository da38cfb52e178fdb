// Package strategy decides when to open positions, at what price and
// size, and how to exit them. Two variants share the order layer: the
// threshold sniper and the dual limit-buy.
package strategy

import (
	"fmt"
	"math"
	"sort"

	"polytrader/internal/fees"
	"polytrader/internal/market"
)

// minBetDollars is the smallest placeable position.
const minBetDollars = 1.0

// KellyAmount sizes the bet from the current principal, capped at the
// per-bet dollar limit.
func KellyAmount(principal, fraction, scale, dollarLimit float64) float64 {
	amount := principal * fraction * scale
	if amount > dollarLimit {
		amount = dollarLimit
	}
	return amount
}

// SharesForInvestment converts a dollar amount at the given price into a
// whole-share order, grossed up so the fee does not eat into the intended
// net position. The gross cost is capped at dollarLimit; an order worth
// under $1 is bumped to the $1 minimum, and rejected when the bump would
// blow the limit.
func SharesForInvestment(dollars, price, dollarLimit float64) (float64, error) {
	if price <= 0 || price >= 1 {
		return 0, fmt.Errorf("price %v out of range", price)
	}
	if dollars <= 0 {
		return 0, fmt.Errorf("invest amount %v must be positive", dollars)
	}

	net := dollars / price
	mult := fees.Multiplier(price)
	shares := math.Ceil(net / (1 - mult))

	if shares*price > dollarLimit {
		shares = math.Floor(dollarLimit / price)
	}
	if shares*price < minBetDollars {
		shares = math.Ceil(minBetDollars / price)
		if shares*price > dollarLimit {
			return 0, fmt.Errorf("minimum $1 bet needs %v shares at %v, over the $%v limit", shares, price, dollarLimit)
		}
	}
	if shares < 1 {
		return 0, fmt.Errorf("sized to zero shares at price %v", price)
	}
	return shares, nil
}

// WalkBookUp simulates a marketable buy: consume asks priced at or above
// bidPrice, cheapest first, until dollars are spent. Returns the weighted
// average fill price and the dollars actually spent.
func WalkBookUp(asks []market.Level, bidPrice, dollars float64) (avgPrice, spent float64) {
	eligible := make([]market.Level, 0, len(asks))
	for _, lvl := range asks {
		if lvl.Price >= bidPrice {
			eligible = append(eligible, lvl)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Price < eligible[j].Price })

	var shares float64
	remaining := dollars
	for _, lvl := range eligible {
		if remaining <= 0 {
			break
		}
		cost := lvl.Price * lvl.Size
		if cost <= remaining {
			shares += lvl.Size
			spent += cost
			remaining -= cost
			continue
		}
		take := remaining / lvl.Price
		shares += take
		spent += remaining
		remaining = 0
	}
	if shares == 0 {
		return 0, 0
	}
	return spent / shares, spent
}

// WalkBookDown simulates selling shares into the bids: the first pass
// consumes bids at or above askPrice, the second covers the remainder
// with worse bids. Returns the weighted average received price and the
// dollars received.
func WalkBookDown(bids []market.Level, askPrice, shares float64) (avgPrice, received float64) {
	sorted := append([]market.Level(nil), bids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price > sorted[j].Price })

	remaining := shares
	var sold float64
	consume := func(filter func(market.Level) bool) {
		for i := range sorted {
			if remaining <= 0 {
				return
			}
			lvl := &sorted[i]
			if lvl.Size <= 0 || !filter(*lvl) {
				continue
			}
			take := math.Min(lvl.Size, remaining)
			sold += take
			received += take * lvl.Price
			remaining -= take
			lvl.Size -= take
		}
	}
	consume(func(l market.Level) bool { return l.Price >= askPrice })
	consume(func(l market.Level) bool { return l.Price < askPrice })

	if sold == 0 {
		return 0, 0
	}
	return received / sold, received
}
