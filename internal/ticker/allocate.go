// Package ticker maintains a budgeted set of direct exchange mini-ticker
// subscriptions and coalesces their updates into a shared price cache.
package ticker

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolVolume describes one tradable symbol and its 24h quote volume.
type SymbolVolume struct {
	Symbol      string
	QuoteAsset  string
	QuoteVolume decimal.Decimal
}

// Allocate picks at most budget symbols to subscribe to. The budget is split
// evenly across the preferred quote assets, each share filled with that
// quote's highest-volume symbols. Remaining slots go to the highest-volume
// symbols overall that were not already chosen.
func Allocate(universe []SymbolVolume, budget int, preferredQuotes []string) []string {
	if budget <= 0 || len(universe) == 0 {
		return nil
	}

	byVolume := append([]SymbolVolume(nil), universe...)
	sort.SliceStable(byVolume, func(i, j int) bool {
		return byVolume[i].QuoteVolume.GreaterThan(byVolume[j].QuoteVolume)
	})

	chosen := make([]string, 0, budget)
	seen := make(map[string]struct{}, budget)
	pick := func(symbol string) bool {
		if len(chosen) >= budget {
			return false
		}
		if _, dup := seen[symbol]; dup {
			return false
		}
		seen[symbol] = struct{}{}
		chosen = append(chosen, symbol)
		return true
	}

	if len(preferredQuotes) > 0 {
		share := budget / len(preferredQuotes)
		for _, quote := range preferredQuotes {
			quote = strings.ToUpper(quote)
			taken := 0
			for _, sv := range byVolume {
				if taken >= share {
					break
				}
				if strings.ToUpper(sv.QuoteAsset) != quote {
					continue
				}
				if pick(sv.Symbol) {
					taken++
				}
			}
		}
	}

	for _, sv := range byVolume {
		if len(chosen) >= budget {
			break
		}
		pick(sv.Symbol)
	}
	return chosen
}
