// Package utils provides common utility functions for symbol handling.
//
// This package contains utilities for working with canonical trading pair
// symbols ("BTCUSDT"): validation against the supported quote assets,
// splitting into base and quote, expanding a coin list into symbols and
// re-formatting for exchanges that use a separator.
package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error definitions for validation functions
var (
	ErrNoSymbols      = errors.New("zero symbols requested")
	ErrTooManySymbols = errors.New("too many symbols requested")
)

// QuoteAssetSet contains the supported quote assets for trading pairs.
var QuoteAssetSet = map[string]bool{
	"USDT": true, // Tether USD
	"USDC": true, // USD Coin
	"BTC":  true, // Bitcoin
	"ETH":  true, // Ethereum
}

// quoteAssetsBySuffix lists quote assets longest first so that "USDT" is
// tried before shorter assets sharing a suffix.
var quoteAssetsBySuffix = sortedQuoteAssets(QuoteAssetSet)

// supportedQuotesCache is a pre-computed string of supported quote assets
// to avoid rebuilding this string on every validation error.
var supportedQuotesCache = strings.Join(quoteAssetsBySuffix, ", ")

// ValidateSymbol validates that a canonical symbol is upper-case alphanumeric
// and ends with a supported quote asset.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("invalid symbol format: expected upper-case BASEQUOTE, got %q", symbol)
		}
	}

	base, _, ok := SplitSymbol(symbol)
	if !ok {
		return fmt.Errorf("unsupported quote asset in %s (supported: %s)",
			symbol, supportedQuotesCache)
	}
	if base == "" {
		return errors.New("base asset cannot be empty")
	}

	return nil
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}

// SplitSymbol splits a canonical symbol into base and quote assets.
// ok is false when no supported quote asset matches the suffix.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssetsBySuffix {
		if strings.HasSuffix(symbol, q) {
			return symbol[:len(symbol)-len(q)], q, true
		}
	}
	return "", "", false
}

// FormatWithSeparator renders a canonical symbol for exchanges that separate
// base and quote ("BTCUSDT" -> "BTC-USDT").
func FormatWithSeparator(symbol, sep string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return symbol
	}
	return base + sep + quote
}

// SymbolsFromCoins expands a coin list ("BTC", "eth") into canonical symbols
// quoted in the given asset, dropping blanks and duplicates.
func SymbolsFromCoins(coins []string, quoteAsset string) []string {
	quoteAsset = strings.ToUpper(strings.TrimSpace(quoteAsset))
	seen := make(map[string]struct{}, len(coins))
	out := make([]string, 0, len(coins))

	for _, c := range coins {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		s := c + quoteAsset
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedQuoteAssets(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
