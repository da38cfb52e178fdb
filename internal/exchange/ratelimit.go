// ratelimit.go applies per-category rate limits for the Polymarket CLOB API.
//
// Polymarket enforces per-category limits measured in requests per 10-second
// windows. Each category gets a rate.Limiter that refills continuously
// (rather than in 10s bursts) to avoid hitting hard limits.
//
// Four limiters are maintained:
//   - Order:  350 burst / 50 per sec (maps to Polymarket's 3500/10s limit)
//   - Cancel: 300 burst / 30 per sec (maps to 3000/10s limit)
//   - Book:   150 burst / 15 per sec (maps to 1500/10s limit)
//   - Data:   200 burst / 20 per sec (order status, open orders, trades)
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups limiters by Polymarket API endpoint category.
// Each operation must call the appropriate limiter's Wait() before
// making the HTTP request.
type RateLimiter struct {
	Order  *rate.Limiter // POST /order, /orders — placing new orders
	Cancel *rate.Limiter // DELETE /order, /orders, /cancel-all, /cancel-market-orders
	Book   *rate.Limiter // GET /book — order book reads
	Data   *rate.Limiter // GET /data/* — order status, open orders, trade history
}

// NewRateLimiter creates limiters tuned to Polymarket's published limits.
// Bursts are set to the 10-second allowance, rates to 1/10th for smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(50, 350), // 3500 per 10s window
		Cancel: rate.NewLimiter(30, 300), // 3000 per 10s window
		Book:   rate.NewLimiter(15, 150), // 1500 per 10s window
		Data:   rate.NewLimiter(20, 200), // 2000 per 10s window
	}
}
