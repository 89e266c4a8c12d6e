package ticker

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sv(symbol, quote, volume string) SymbolVolume {
	return SymbolVolume{
		Symbol:      symbol,
		QuoteAsset:  quote,
		QuoteVolume: decimal.RequireFromString(volume),
	}
}

func TestAllocateSplitsBudgetAcrossPreferredQuotes(t *testing.T) {
	universe := []SymbolVolume{
		sv("BTCUSDT", "USDT", "900"),
		sv("ETHUSDT", "USDT", "800"),
		sv("SOLUSDT", "USDT", "700"),
		sv("ETHBTC", "BTC", "600"),
		sv("SOLBTC", "BTC", "500"),
		sv("BTCUSDC", "USDC", "400"),
	}

	got := Allocate(universe, 4, []string{"USDT", "BTC"})
	want := []string{"BTCUSDT", "ETHUSDT", "ETHBTC", "SOLBTC"}
	if len(got) != len(want) {
		t.Fatalf("Allocate() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Allocate() = %v, want %v", got, want)
		}
	}
}

func TestAllocateFillsRemainderByVolume(t *testing.T) {
	universe := []SymbolVolume{
		sv("BTCUSDT", "USDT", "900"),
		sv("ETHBTC", "BTC", "800"),
		sv("ETHUSDT", "USDT", "700"),
		sv("DOGEFDUSD", "FDUSD", "650"),
	}

	// Only two USDT symbols exist, so the third slot falls through to the
	// top remaining volume regardless of quote.
	got := Allocate(universe, 3, []string{"USDT"})
	if len(got) != 3 {
		t.Fatalf("Allocate() = %v", got)
	}
	if got[0] != "BTCUSDT" {
		t.Fatalf("preferred quote slot wrong: %v", got)
	}
	rest := map[string]bool{got[1]: true, got[2]: true}
	if !rest["ETHBTC"] || !rest["ETHUSDT"] {
		t.Fatalf("remainder not filled by volume: %v", got)
	}
}

func TestAllocateNeverExceedsBudget(t *testing.T) {
	universe := []SymbolVolume{
		sv("BTCUSDT", "USDT", "900"),
		sv("ETHUSDT", "USDT", "800"),
	}
	if got := Allocate(universe, 1, []string{"USDT", "BTC", "USDC"}); len(got) != 1 {
		t.Fatalf("budget exceeded: %v", got)
	}
	if got := Allocate(universe, 10, nil); len(got) != 2 {
		t.Fatalf("allocation should stop at the universe size: %v", got)
	}
	if got := Allocate(nil, 10, nil); got != nil {
		t.Fatalf("empty universe should allocate nothing: %v", got)
	}
}

func TestCoalescerKeepsLatestTickPerSymbol(t *testing.T) {
	var mu sync.Mutex
	var batches []map[string]Tick
	c := NewCoalescer(30*time.Millisecond, func(batch map[string]Tick) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	})
	defer c.Stop()

	c.Offer(Tick{Symbol: "BTCUSDT", Last: decimal.RequireFromString("100")})
	c.Offer(Tick{Symbol: "BTCUSDT", Last: decimal.RequireFromString("101")})
	c.Offer(Tick{Symbol: "ETHUSDT", Last: decimal.RequireFromString("50")})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("coalescer never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	batch := batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 symbols in batch, got %v", batch)
	}
	if batch["BTCUSDT"].Last.String() != "101" {
		t.Fatalf("older tick survived coalescing: %v", batch["BTCUSDT"])
	}
}

func TestCoalescerStopFlushesPending(t *testing.T) {
	var mu sync.Mutex
	flushed := map[string]Tick{}
	c := NewCoalescer(time.Hour, func(batch map[string]Tick) {
		mu.Lock()
		for k, v := range batch {
			flushed[k] = v
		}
		mu.Unlock()
	})

	c.Offer(Tick{Symbol: "BTCUSDT", Last: decimal.RequireFromString("100")})
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if _, ok := flushed["BTCUSDT"]; !ok {
		t.Fatalf("pending tick lost on stop")
	}
}

func TestCombinedStreamURL(t *testing.T) {
	got := combinedStreamURL("wss://stream.example.com:9443", []string{"BTCUSDT", "ETHUSDT"})
	want := "wss://stream.example.com:9443/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker"
	if got != want {
		t.Fatalf("combinedStreamURL() = %q, want %q", got, want)
	}

	got = combinedStreamURL("wss://stream.example.com:9443/", []string{"SOLUSDT"})
	want = "wss://stream.example.com:9443/stream?streams=solusdt@miniTicker"
	if got != want {
		t.Fatalf("combinedStreamURL() = %q, want %q", got, want)
	}
}

func TestCacheStoresLatest(t *testing.T) {
	cache := NewCache()
	cache.Put(Tick{Symbol: "BTCUSDT", Last: decimal.RequireFromString("100")})
	cache.PutAll(map[string]Tick{
		"BTCUSDT": {Symbol: "BTCUSDT", Last: decimal.RequireFromString("101")},
		"ETHUSDT": {Symbol: "ETHUSDT", Last: decimal.RequireFromString("50")},
	})

	tick, ok := cache.Get("BTCUSDT")
	if !ok || tick.Last.String() != "101" {
		t.Fatalf("cache returned stale tick: %+v (%v)", tick, ok)
	}
	if cache.Len() != 2 {
		t.Fatalf("unexpected cache size %d", cache.Len())
	}
	if _, ok := cache.Get("SOLUSDT"); ok {
		t.Fatalf("cache invented a tick")
	}
}
