// Package arbitrage computes cross-exchange arbitrage opportunities from a
// snapshot of quotes.
//
// The computation is pure: it performs no I/O and keeps no state between
// calls, so an Engine may be shared by any number of goroutines.
//
// Algorithm:
//  1. Group quotes by symbol, one quote per exchange
//  2. Pair every two exchanges quoting the same symbol
//  3. Assign the cheaper side to buy, skip equal prices
//  4. Subtract both exchanges' fee percentages from the spread percentage
//  5. Rank by estimated profit, then symbol, buy and sell exchange
package arbitrage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/fees"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

// Errors returned for snapshots that violate the quote contract.
var (
	ErrInvalidInput      = errors.New("invalid quote in snapshot")
	ErrConflictingQuotes = errors.New("conflicting quotes in snapshot")
)

var hundred = decimal.NewFromInt(100)

// Config holds the engine's externally supplied settings.
type Config struct {
	Fees         *fees.Table      // Fee lookup; nil means zero fees everywhere
	MinProfitPct decimal.Decimal  // Threshold used by Profitable
	Now          func() time.Time // Clock stamping ComputedAt; defaults to time.Now
}

// Engine binds the pure computation to a fixed configuration.
type Engine struct {
	fees         *fees.Table
	minProfitPct decimal.Decimal
	now          func() time.Time
}

// NewEngine creates an engine from the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.Fees == nil {
		cfg.Fees = fees.New(nil, decimal.Zero)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		fees:         cfg.Fees,
		minProfitPct: cfg.MinProfitPct,
		now:          cfg.Now,
	}
}

// Compute returns every opportunity in the snapshot, ranked.
func (e *Engine) Compute(quotes []model.Quote) ([]model.Opportunity, error) {
	return ComputeOpportunities(quotes, e.fees, e.now())
}

// Profitable keeps the opportunities meeting the configured threshold.
func (e *Engine) Profitable(opps []model.Opportunity) []model.Opportunity {
	return FilterProfitable(opps, e.minProfitPct)
}

// MinProfitPct returns the configured threshold.
func (e *Engine) MinProfitPct() decimal.Decimal {
	return e.minProfitPct
}

// ComputeOpportunities turns a snapshot of quotes into a ranked list of
// opportunities, one per unordered pair of exchanges quoting the same symbol
// at different prices.
//
// An empty snapshot yields an empty result. A quote breaking the Quote
// invariants yields ErrInvalidInput; the same exchange reporting two
// different prices for one symbol yields ErrConflictingQuotes.
func ComputeOpportunities(quotes []model.Quote, table *fees.Table, at time.Time) ([]model.Opportunity, error) {
	if len(quotes) == 0 {
		return []model.Opportunity{}, nil
	}
	if table == nil {
		table = fees.New(nil, decimal.Zero)
	}

	groups, err := groupBySymbol(quotes)
	if err != nil {
		return nil, err
	}

	opps := make([]model.Opportunity, 0)
	for _, symbol := range sortedKeys(groups) {
		opps = append(opps, pairUp(symbol, groups[symbol], table, at)...)
	}

	sortOpportunities(opps)
	return opps, nil
}

// FilterProfitable returns the opportunities whose estimated profit is at
// least minProfitPct, preserving input order.
func FilterProfitable(opps []model.Opportunity, minProfitPct decimal.Decimal) []model.Opportunity {
	out := make([]model.Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.EstimatedProfitPct.GreaterThanOrEqual(minProfitPct) {
			out = append(out, o)
		}
	}
	return out
}

// groupBySymbol builds symbol -> exchange -> price.
func groupBySymbol(quotes []model.Quote) (map[string]map[string]decimal.Decimal, error) {
	groups := make(map[string]map[string]decimal.Decimal)

	for i, q := range quotes {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidInput, i, err)
		}

		byExchange, ok := groups[q.Symbol]
		if !ok {
			byExchange = make(map[string]decimal.Decimal)
			groups[q.Symbol] = byExchange
		}

		if prev, dup := byExchange[q.Exchange]; dup {
			if !prev.Equal(q.Price) {
				return nil, fmt.Errorf("%w: %s on %s quoted at %s and %s",
					ErrConflictingQuotes, q.Symbol, q.Exchange, prev, q.Price)
			}
			continue
		}
		byExchange[q.Exchange] = q.Price
	}

	return groups, nil
}

// pairUp emits one opportunity per unordered exchange pair with distinct prices.
func pairUp(symbol string, prices map[string]decimal.Decimal, table *fees.Table, at time.Time) []model.Opportunity {
	if len(prices) < 2 {
		return nil
	}

	exchanges := sortedKeys(prices)
	out := make([]model.Opportunity, 0, len(exchanges)*(len(exchanges)-1)/2)

	for i := 0; i < len(exchanges); i++ {
		for j := i + 1; j < len(exchanges); j++ {
			ex1, ex2 := exchanges[i], exchanges[j]
			p1, p2 := prices[ex1], prices[ex2]

			if p1.Equal(p2) {
				continue
			}

			buyEx, buyPrice, sellEx, sellPrice := ex1, p1, ex2, p2
			if p2.LessThan(p1) {
				buyEx, buyPrice, sellEx, sellPrice = ex2, p2, ex1, p1
			}

			diff := sellPrice.Sub(buyPrice)
			diffPct := diff.Div(buyPrice).Mul(hundred)

			out = append(out, model.Opportunity{
				Symbol:             symbol,
				BuyExchange:        buyEx,
				SellExchange:       sellEx,
				BuyPrice:           buyPrice,
				SellPrice:          sellPrice,
				PriceDiff:          diff,
				PriceDiffPct:       diffPct,
				EstimatedProfitPct: diffPct.Sub(table.Total(buyEx, sellEx)),
				ComputedAt:         at,
			})
		}
	}

	return out
}

func sortOpportunities(opps []model.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if c := a.EstimatedProfitPct.Cmp(b.EstimatedProfitPct); c != 0 {
			return c > 0
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.BuyExchange != b.BuyExchange {
			return a.BuyExchange < b.BuyExchange
		}
		return a.SellExchange < b.SellExchange
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
