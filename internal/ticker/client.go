package ticker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/marketdesk/desk/internal/observability"
)

const (
	defaultControlInterval = 250 * time.Millisecond
	maxFrameSize           = 1 << 20
	writeTimeout           = 5 * time.Second
)

// Options configures the exchange stream client.
type Options struct {
	// URL is the exchange stream base, e.g. wss://stream.binance.com:9443.
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	CoalesceWindow       time.Duration
	// ControlInterval paces SUBSCRIBE/UNSUBSCRIBE frames; the exchange caps
	// control messages per connection per second.
	ControlInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 3 * time.Second
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = 300 * time.Millisecond
	}
	if o.ControlInterval <= 0 {
		o.ControlInterval = defaultControlInterval
	}
}

// Client holds one combined-stream connection to the exchange. The stream
// set can be adjusted incrementally while connected; on (re)connect the
// combined URL is rebuilt from the full current set.
type Client struct {
	opts      Options
	cache     *Cache
	coalescer *Coalescer
	limiter   *rate.Limiter

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn
	nextID  int

	wake chan struct{}
}

// NewClient builds a client that publishes coalesced ticks into cache.
func NewClient(opts Options, cache *Cache) *Client {
	opts.applyDefaults()
	c := &Client{
		opts:    opts,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(opts.ControlInterval), 1),
		symbols: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
	c.coalescer = NewCoalescer(opts.CoalesceWindow, func(batch map[string]Tick) {
		cache.PutAll(batch)
		observability.Telemetry().SetGauge("desk_ticker_cached_symbols", float64(cache.Len()), nil)
	})
	return c
}

// SetSymbols replaces the subscription set. While connected the difference
// is applied with paced subscribe/unsubscribe frames; while disconnected the
// set is stored for the next dial.
func (c *Client) SetSymbols(ctx context.Context, symbols []string) error {
	next := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		next[strings.ToUpper(symbol)] = struct{}{}
	}

	c.mu.Lock()
	var added, removed []string
	for symbol := range next {
		if _, ok := c.symbols[symbol]; !ok {
			added = append(added, symbol)
		}
	}
	for symbol := range c.symbols {
		if _, ok := next[symbol]; !ok {
			removed = append(removed, symbol)
		}
	}
	c.symbols = next
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return nil
	}

	sort.Strings(removed)
	sort.Strings(added)
	for _, symbol := range removed {
		if err := c.sendControl(ctx, conn, "UNSUBSCRIBE", symbol); err != nil {
			return err
		}
	}
	for _, symbol := range added {
		if err := c.sendControl(ctx, conn, "SUBSCRIBE", symbol); err != nil {
			return err
		}
	}
	if len(added)+len(removed) > 0 {
		observability.Log().Info("ticker subscriptions adjusted",
			observability.F("added", len(added)),
			observability.F("removed", len(removed)),
			observability.F("total", len(next)))
	}
	return nil
}

// Run drives the connection until the context is canceled or the stream is
// closed cleanly. It blocks while the subscription set is empty.
func (c *Client) Run(ctx context.Context) error {
	defer c.coalescer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInterval
	bo.MaxInterval = c.opts.MaxReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		url, ok := c.dialTarget()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.Log().Error("ticker stream dial failed",
				observability.F("error", err))
			observability.Telemetry().IncCounter("desk_ticker_dial_failures_total", 1, nil)
			if !sleep(ctx, bo.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(maxFrameSize)
		bo.Reset()

		c.mu.Lock()
		c.conn = conn
		streams := len(c.symbols)
		c.mu.Unlock()
		observability.Log().Info("ticker stream connected",
			observability.F("streams", streams))

		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
			return nil
		}
		observability.Log().Error("ticker stream dropped",
			observability.F("error", readErr))
		observability.Telemetry().IncCounter("desk_ticker_disconnects_total", 1, nil)
		if !sleep(ctx, bo.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// combinedStreamURL builds the multiplexed stream endpoint for the symbol
// set, one miniTicker stream per symbol.
func combinedStreamURL(base string, symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		streams = append(streams, streamName(symbol))
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@miniTicker"
}

func (c *Client) dialTarget() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.symbols) == 0 {
		return "", false
	}
	symbols := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return combinedStreamURL(c.opts.URL, symbols), true
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (c *Client) sendControl(ctx context.Context, conn *websocket.Conn, method, symbol string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	data, err := json.Marshal(controlFrame{
		Method: method,
		Params: []string{streamName(symbol)},
		ID:     id,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTickerFrame struct {
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	Close       decimal.Decimal `json:"c"`
	Open        decimal.Decimal `json:"o"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Volume      decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"q"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame combinedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observability.Log().Error("dropping malformed ticker frame",
				observability.F("error", err))
			continue
		}
		if frame.Stream == "" {
			// Subscribe acknowledgements carry no stream field.
			continue
		}
		var mt miniTickerFrame
		if err := json.Unmarshal(frame.Data, &mt); err != nil || mt.Symbol == "" {
			continue
		}
		c.coalescer.Offer(Tick{
			Symbol:      mt.Symbol,
			Last:        mt.Close,
			Open:        mt.Open,
			High:        mt.High,
			Low:         mt.Low,
			Volume:      mt.Volume,
			QuoteVolume: mt.QuoteVolume,
			EventTime:   mt.EventTime,
		})
	}
}

// Close tears the connection down cleanly.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
