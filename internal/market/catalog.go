package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polytrader/internal/config"
	"polytrader/pkg/types"
)

// Catalog discovers the short-lived up/down markets of one schedule via the
// Gamma API. Slugs of these markets are deterministic: btc-updown-15m-1765960200
// is the 15-minute period starting at that unix timestamp, so a schedule
// filter on the slug is enough to isolate them.
//
// BySlug results are cached for 30s per slug so the resolution poller and
// the strategy can both ask about the same market without hammering Gamma.

// slugCacheTTL bounds how long a BySlug answer is reused.
const slugCacheTTL = 30 * time.Second

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	StartDate             string  `json:"startDate"`
	EndDate               string  `json:"endDate"`
	Outcomes              string  `json:"outcomes"`
	OutcomePrices         string  `json:"outcomePrices"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

type cachedMarket struct {
	info      types.MarketInfo
	fetchedAt time.Time
}

// Catalog lists currently-running up/down markets for one schedule.
type Catalog struct {
	http     *resty.Client
	schedule types.Schedule
	pattern  *regexp.Regexp
	logger   *slog.Logger

	mu     sync.Mutex
	bySlug map[string]cachedMarket
}

// NewCatalog creates a catalog for the configured market schedule.
func NewCatalog(cfg config.Config, logger *slog.Logger) *Catalog {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Catalog{
		http:     client,
		schedule: cfg.MarketType,
		pattern:  regexp.MustCompile(fmt.Sprintf(`-updown-%s-\d+$`, regexp.QuoteMeta(string(cfg.MarketType)))),
		logger:   logger.With("component", "catalog"),
		bySlug:   make(map[string]cachedMarket),
	}
}

// ListCurrentlyRunning returns the schedule's markets whose period covers
// now and which the exchange marks active and accepting orders.
func (c *Catalog) ListCurrentlyRunning(ctx context.Context) ([]types.MarketInfo, error) {
	markets, err := c.fetchActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var running []types.MarketInfo
	for _, gm := range markets {
		if !c.pattern.MatchString(gm.Slug) {
			continue
		}
		if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
			continue
		}
		info := convertMarket(gm)
		if !info.Running(now) {
			continue
		}
		if info.YesTokenID == "" || info.NoTokenID == "" {
			c.logger.Warn("running market missing token ids", "slug", info.Slug)
			continue
		}
		running = append(running, info)
		c.prime(info)
	}
	return running, nil
}

// BySlug fetches one market by its exact slug, serving from the per-slug
// cache when the entry is younger than 30s.
func (c *Catalog) BySlug(ctx context.Context, slug string) (*types.MarketInfo, error) {
	c.mu.Lock()
	if cached, ok := c.bySlug[slug]; ok && time.Since(cached.fetchedAt) < slugCacheTTL {
		info := cached.info
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()

	var page []GammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}
	if len(page) == 0 {
		return nil, fmt.Errorf("market %s not found", slug)
	}

	info := convertMarket(page[0])
	c.prime(info)
	return &info, nil
}

// MinutesUntilResolution returns minutes until the market's end time, or
// ok=false when the end time is unknown. Callers must fail closed on false.
func (c *Catalog) MinutesUntilResolution(m *types.MarketInfo) (float64, bool) {
	if m == nil || m.EndDate.IsZero() {
		return 0, false
	}
	return time.Until(m.EndDate).Minutes(), true
}

func (c *Catalog) prime(info types.MarketInfo) {
	c.mu.Lock()
	c.bySlug[info.Slug] = cachedMarket{info: info, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// fetchActive pages through Gamma's active, unclosed markets.
func (c *Catalog) fetchActive(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	limit := 100

	for {
		var page []GammaMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}
	return all, nil
}

// convertMarket transforms a Gamma response into the internal MarketInfo.
// Token ids and outcome prices arrive as JSON-array strings.
func convertMarket(gm GammaMarket) types.MarketInfo {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	var prices []float64
	if gm.OutcomePrices != "" {
		var raw []string
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &raw); err == nil {
			for _, p := range raw {
				v, _ := strconv.ParseFloat(p, 64)
				prices = append(prices, v)
			}
		}
	}

	var tickSize types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tickSize = types.Tick01
	case 0.001:
		tickSize = types.Tick0001
	case 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	startDate, _ := time.Parse(time.RFC3339, gm.StartDate)
	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	return types.MarketInfo{
		ID:              gm.ID,
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		YesTokenID:      yesToken,
		NoTokenID:       noToken,
		TickSize:        tickSize,
		MinOrderSize:    gm.OrderMinSize,
		NegRisk:         gm.NegRisk,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		StartDate:       startDate,
		EndDate:         endDate,
		OutcomePrices:   prices,
	}
}
