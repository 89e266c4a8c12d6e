// Package transport maintains the long-lived websocket session against the
// trading backend: dialing, exponential reconnect, application heartbeats,
// and an outbound queue for frames accepted while the socket is closed.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/marketdesk/desk/errs"
	"github.com/marketdesk/desk/internal/observability"
	"github.com/marketdesk/desk/internal/schema"
)

const (
	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultHeartbeatInterval    = 15 * time.Second
	defaultHeartbeatTimeout     = 10 * time.Second
	defaultConnectDebounce      = 50 * time.Millisecond
	defaultHandshakeTimeout     = 10 * time.Second

	writeTimeout = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Options configures a stream client.
type Options struct {
	URL                  string
	HTTPHeader           http.Header
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ConnectDebounce      time.Duration
	HandshakeTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.ConnectDebounce <= 0 {
		o.ConnectDebounce = defaultConnectDebounce
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// MessageListener receives every decoded application frame.
type MessageListener func(schema.Message)

// StateListener receives connection state transitions.
type StateListener func(State)

// Client is a reconnecting websocket client for the backend user stream.
// Heartbeat ping/pong frames are handled internally and never dispatched.
type Client struct {
	opts Options

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	queue          [][]byte
	listeners      []MessageListener
	stateListeners []StateListener
	openCh         chan struct{}
	lastPong       time.Time
	attempts       int
	everConnected  bool
	running        bool
	destroyed      bool
	connectTimer   *time.Timer
	runCancel      context.CancelFunc
}

// NewClient builds a client; the socket is not dialed until Connect.
func NewClient(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:   opts,
		state:  StateDisconnected,
		openCh: make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddListener registers a message listener. Listeners run in registration
// order on the read goroutine; panics are recovered and logged.
func (c *Client) AddListener(l MessageListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// AddStateListener registers a state transition listener.
func (c *Client) AddStateListener(l StateListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, l)
}

// Connect schedules a dial after the debounce window. Repeated calls while a
// dial is pending or a session is running collapse into one.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.running || c.connectTimer != nil {
		return
	}
	c.connectTimer = time.AfterFunc(c.opts.ConnectDebounce, func() {
		c.mu.Lock()
		c.connectTimer = nil
		if c.destroyed || c.running {
			c.mu.Unlock()
			return
		}
		c.running = true
		c.attempts = 0
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()
		go c.run(runCtx)
	})
}

// Reconnect forces a fresh session: the attempt counter resets and the
// current socket, if any, is torn down so the run loop redials.
func (c *Client) Reconnect(ctx context.Context) {
	c.mu.Lock()
	c.attempts = 0
	conn := c.conn
	running := c.running
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusServiceRestart, "reconnect requested")
		return
	}
	if !running {
		c.Connect(ctx)
	}
}

// Send marshals v and writes it if the socket is open. While the socket is
// closed the frame is queued and flushed in FIFO order on the next open.
// The boolean reports whether the frame went out immediately.
func (c *Client) Send(v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, errs.New("transport", errs.CodeInvalid,
			errs.WithMessage("marshal outbound frame"), errs.WithCause(err))
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false, errs.New("transport", errs.CodeUnavailable,
			errs.WithMessage("client destroyed"))
	}
	if c.state == StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return true, c.write(conn, data)
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	return false, nil
}

// WaitUntilOpen blocks until the socket is open, the timeout elapses, or the
// context is canceled.
func (c *Client) WaitUntilOpen(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	openCh := c.openCh
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errs.Timeout("transport", "socket did not open in time")
	}
}

// Destroy tears the client down: pending dials are canceled, the socket is
// closed cleanly, and all listeners and queued frames are dropped. Safe to
// call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.state = StateClosing
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	conn := c.conn
	cancel := c.runCancel
	c.listeners = nil
	c.stateListeners = nil
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client destroyed")
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	bo := newReconnectBackoff(c.opts)
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		retrying := c.everConnected || c.attempts > 0
		c.mu.Unlock()
		if retrying {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.attempts++
			attempts := c.attempts
			limit := c.opts.MaxReconnectAttempts
			c.mu.Unlock()

			observability.Log().Error("user stream dial failed",
				observability.F("attempt", attempts),
				observability.F("error", err))
			observability.Telemetry().IncCounter("desk_stream_dial_failures_total", 1, nil)
			if attempts >= limit {
				observability.Log().Error("reconnect attempts exhausted",
					observability.F("attempts", attempts))
				c.setState(StateError)
				return
			}
			if !c.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		c.mu.Lock()
		c.attempts = 0
		c.everConnected = true
		c.conn = conn
		c.lastPong = time.Now()
		openCh := c.openCh
		c.mu.Unlock()
		c.setState(StateConnected)
		close(openCh)
		observability.Log().Info("user stream connected", observability.F("url", c.opts.URL))
		c.flushQueue(conn)

		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go c.heartbeat(hbCtx, conn)
		readErr := c.readLoop(ctx, conn)
		stopHeartbeat()

		c.mu.Lock()
		c.conn = nil
		c.openCh = make(chan struct{})
		closing := c.destroyed
		c.mu.Unlock()

		if ctx.Err() != nil || closing {
			return
		}
		if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
			observability.Log().Info("user stream closed cleanly")
			c.setState(StateDisconnected)
			return
		}

		observability.Log().Error("user stream dropped",
			observability.F("error", readErr))
		observability.Telemetry().IncCounter("desk_stream_disconnects_total", 1, nil)
		c.setState(StateReconnecting)
		if !c.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: c.opts.HTTPHeader,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := schema.Decode(data)
		if err != nil {
			observability.Log().Error("dropping malformed frame",
				observability.F("error", err))
			observability.Telemetry().IncCounter("desk_stream_malformed_frames_total", 1, nil)
			continue
		}
		switch msg.(type) {
		case schema.Ping:
			if err := c.writeMessage(conn, schema.NewPong()); err != nil {
				return err
			}
			continue
		case schema.Pong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastPong
			c.mu.Unlock()
			if time.Since(last) > c.opts.HeartbeatTimeout+c.opts.HeartbeatInterval {
				observability.Log().Error("heartbeat timed out, forcing reconnect",
					observability.F("lastPong", last))
				observability.Telemetry().IncCounter("desk_stream_heartbeat_timeouts_total", 1, nil)
				_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			if err := c.writeMessage(conn, schema.NewPing()); err != nil {
				return
			}
		}
	}
}

func (c *Client) flushQueue(conn *websocket.Conn) {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, frame := range queued {
		if err := c.write(conn, frame); err != nil {
			observability.Log().Error("flush of queued frame failed",
				observability.F("error", err))
			return
		}
	}
	if len(queued) > 0 {
		observability.Log().Info("flushed queued frames",
			observability.F("count", len(queued)))
	}
}

func (c *Client) writeMessage(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(conn, data)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errs.New("transport", errs.CodeTransport,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) dispatch(msg schema.Message) {
	c.mu.Lock()
	listeners := append([]MessageListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		notifyMessage(l, msg)
	}
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	if c.destroyed || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	listeners := append([]StateListener(nil), c.stateListeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		notifyState(l, next)
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func notifyMessage(l MessageListener, msg schema.Message) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("message listener panicked",
				observability.F("panic", r))
		}
	}()
	l(msg)
}

func notifyState(l StateListener, s State) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("state listener panicked",
				observability.F("panic", r))
		}
	}()
	l(s)
}
