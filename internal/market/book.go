// Package market provides the order-book view and market discovery.
//
// Cache mirrors CLOB order books keyed by token ID. It is fed from two
// sources, in priority order:
//   - WebSocket events via ApplyBookEvent (full snapshots) and
//     ApplyPriceChange (level deltas), written by the engine's feed pump
//   - Synchronous GET /book fetches, used when the cached entry is missing
//     or older than the staleness window (30s)
//
// Best bid and best ask are always derived by scanning every level; the
// cache never assumes the exchange sent the sides sorted.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"polytrader/pkg/types"
)

const (
	// maxBookAge is the staleness window: a cached book older than this is
	// treated as absent and refetched over HTTP.
	maxBookAge = 30 * time.Second

	// logEveryNUpdates forces a book log line even when prices barely move.
	logEveryNUpdates = 50

	// significantMove is the relative best-price change that gets logged.
	significantMove = 0.01
)

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Size  float64
}

// Snapshot is the order book for one token at a point in time.
type Snapshot struct {
	TokenID   string
	Bids      []Level
	Asks      []Level
	UpdatedAt time.Time
}

// BestBid returns the highest bid price, scanning all levels.
func (s *Snapshot) BestBid() (float64, bool) {
	if s == nil || len(s.Bids) == 0 {
		return 0, false
	}
	best := s.Bids[0].Price
	for _, lvl := range s.Bids[1:] {
		if lvl.Price > best {
			best = lvl.Price
		}
	}
	return best, true
}

// BestAsk returns the lowest ask price, scanning all levels.
func (s *Snapshot) BestAsk() (float64, bool) {
	if s == nil || len(s.Asks) == 0 {
		return 0, false
	}
	best := s.Asks[0].Price
	for _, lvl := range s.Asks[1:] {
		if lvl.Price < best {
			best = lvl.Price
		}
	}
	return best, true
}

// CheckThreshold returns the first side whose best ask is at or above the
// threshold. YES is probed first, which makes the tie-break deterministic
// when both sides cross in the same tick.
func CheckThreshold(yes, no *Snapshot, threshold float64) (types.OutcomeSide, float64, bool) {
	if ask, ok := yes.BestAsk(); ok && ask >= threshold {
		return types.OutcomeYes, ask, true
	}
	if ask, ok := no.BestAsk(); ok && ask >= threshold {
		return types.OutcomeNo, ask, true
	}
	return "", 0, false
}

// entry is a cached book plus the bookkeeping the stream handler uses to
// decide whether an update is worth a log line.
type entry struct {
	snap        Snapshot
	updateCount int
	lastBestBid float64
	lastBestAsk float64
}

// Fetcher is the synchronous book source, satisfied by exchange.Client.
type Fetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Cache is the order-book view shared by the strategy and monitor loops.
// The stream pump writes, everyone else reads; all methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	fetcher Fetcher
	maxAge  time.Duration
	logger  *slog.Logger
}

// NewCache creates an order-book cache backed by the given fetcher.
func NewCache(fetcher Fetcher, logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		fetcher: fetcher,
		maxAge:  maxBookAge,
		logger:  logger.With("component", "books"),
	}
}

// Book returns the order book for a token. A cached entry fresher than the
// staleness window wins; otherwise a single synchronous fetch primes the
// cache. The returned snapshot is a copy and safe to hold across ticks.
func (c *Cache) Book(ctx context.Context, tokenID string) (*Snapshot, error) {
	c.mu.RLock()
	e, ok := c.entries[tokenID]
	var cached Snapshot
	if ok {
		cached = copySnapshot(e.snap)
	}
	c.mu.RUnlock()

	if ok && time.Since(cached.UpdatedAt) <= c.maxAge {
		return &cached, nil
	}

	resp, err := c.fetcher.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("fetch book %s: %w", tokenID, err)
	}
	snap := snapshotFromResponse(resp, tokenID)

	c.mu.Lock()
	c.entries[tokenID] = &entry{snap: copySnapshot(snap)}
	c.mu.Unlock()

	return &snap, nil
}

// ApplyBookEvent replaces the cached book for a token with a full snapshot
// from the market WebSocket channel.
func (c *Cache) ApplyBookEvent(evt types.WSBookEvent) {
	snap := Snapshot{
		TokenID:   evt.AssetID,
		Bids:      parseLevels(evt.Buys),
		Asks:      parseLevels(evt.Sells),
		UpdatedAt: time.Now(),
	}
	c.store(evt.AssetID, snap)
}

// ApplyPriceChange applies level deltas from a price_change event. A zero
// size removes the level; an unknown price appends one.
func (c *Cache) ApplyPriceChange(evt types.WSPriceChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pc := range evt.PriceChanges {
		e, ok := c.entries[pc.AssetID]
		if !ok {
			// No baseline snapshot to patch; the next Book() call fetches one.
			continue
		}
		price := parseFloat(pc.Price)
		size := parseFloat(pc.Size)
		if pc.Side == "BUY" {
			e.snap.Bids = patchLevel(e.snap.Bids, price, size)
		} else {
			e.snap.Asks = patchLevel(e.snap.Asks, price, size)
		}
		e.snap.UpdatedAt = time.Now()
		c.noteUpdateLocked(pc.AssetID, e)
	}
}

// LastUpdate returns when the cached book for a token was last written.
func (c *Cache) LastUpdate(tokenID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tokenID]
	if !ok {
		return time.Time{}, false
	}
	return e.snap.UpdatedAt, true
}

func (c *Cache) store(tokenID string, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[tokenID]
	if !ok {
		e = &entry{}
		c.entries[tokenID] = e
	}
	e.snap = snap
	c.noteUpdateLocked(tokenID, e)
}

// noteUpdateLocked logs only significant book changes: a >1% move of either
// best price, or every Nth update as a heartbeat.
func (c *Cache) noteUpdateLocked(tokenID string, e *entry) {
	e.updateCount++
	bid, _ := e.snap.BestBid()
	ask, _ := e.snap.BestAsk()

	moved := relMove(e.lastBestBid, bid) > significantMove ||
		relMove(e.lastBestAsk, ask) > significantMove
	if moved || e.updateCount%logEveryNUpdates == 0 {
		c.logger.Debug("book update",
			"token_id", tokenID,
			"best_bid", bid,
			"best_ask", ask,
			"updates", e.updateCount,
		)
	}
	e.lastBestBid = bid
	e.lastBestAsk = ask
}

func relMove(old, new float64) float64 {
	if old == 0 {
		if new == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(new-old) / old
}

func snapshotFromResponse(resp *types.BookResponse, tokenID string) Snapshot {
	id := resp.AssetID
	if id == "" {
		id = tokenID
	}
	return Snapshot{
		TokenID:   id,
		Bids:      parseLevels(resp.Bids),
		Asks:      parseLevels(resp.Asks),
		UpdatedAt: time.Now(),
	}
}

func parseLevels(levels []types.PriceLevel) []Level {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, Level{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Size)})
	}
	return out
}

func patchLevel(levels []Level, price, size float64) []Level {
	for i, lvl := range levels {
		if lvl.Price == price {
			if size == 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size == 0 {
		return levels
	}
	return append(levels, Level{Price: price, Size: size})
}

func copySnapshot(s Snapshot) Snapshot {
	out := s
	out.Bids = append([]Level(nil), s.Bids...)
	out.Asks = append([]Level(nil), s.Asks...)
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
