// Package realtime maintains one persistent duplex connection to the Evntaly push server.
//
// A Channel moves Disconnected → Connecting → Connected → Disconnected. At most one connection
// attempt is in flight and at most one connection is live. Sends never queue: Send returns false
// unless the channel is Connected.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"evntaly-go/internal/dispatch"
)

// DefaultConnectTimeout bounds a single connection attempt when Options.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// Default reconnect backoff bounds.
const (
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 30 * time.Second
)

var (
	ErrAlreadyConnecting = errors.New("realtime: connection attempt already in flight")
	ErrAlreadyConnected  = errors.New("realtime: already connected")
	ErrNotConnected      = errors.New("realtime: not connected")
	ErrConnectAborted    = errors.New("realtime: connection attempt aborted by disconnect")
	ErrSendFailed        = errors.New("realtime: send failed")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failed dial or send. Unwrap yields the cause.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageHandler receives inbound messages registered for their type (or the wildcard).
type MessageHandler func(data map[string]any, msgType string, env Message)

// Options configures a Channel.
type Options struct {
	URL    string
	Dialer Dialer
	// Credentials are sent as the data of the auth frame right after connecting.
	Credentials map[string]any
	// ConnectTimeout bounds each connection attempt; 0 means DefaultConnectTimeout.
	ConnectTimeout           time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// Clock defaults to time.Now; used for frame timestamps.
	Clock func() time.Time
}

// Channel is a realtime connection. Safe for concurrent use.
type Channel struct {
	url            string
	sessionID      string
	dialer         Dialer
	credentials    map[string]any
	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	nowF           func() time.Time

	mu            sync.Mutex
	state         State
	conn          Conn
	attempt       uint64
	cancelDial    context.CancelFunc
	subscriptions map[string]struct{}

	messages     *dispatch.Registry[MessageHandler]
	onConnect    *dispatch.Registry[func()]
	onDisconnect *dispatch.Registry[func(CloseInfo)]
	onError      *dispatch.Registry[func(error)]
}

// lifecycleKey is the single registry key used for connect, disconnect and error handlers.
const lifecycleKey = "lifecycle"

// NewChannel returns a disconnected Channel. URL and Dialer are required.
func NewChannel(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("realtime: server URL is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("realtime: dialer is required")
	}
	c := &Channel{
		url:            opts.URL,
		sessionID:      uuid.NewString(),
		dialer:         opts.Dialer,
		credentials:    maps.Clone(opts.Credentials),
		connectTimeout: opts.ConnectTimeout,
		initialBackoff: opts.ReconnectInitialInterval,
		maxBackoff:     opts.ReconnectMaxInterval,
		nowF:           opts.Clock,
		subscriptions:  make(map[string]struct{}),
		messages:       dispatch.NewRegistry[MessageHandler](),
		onConnect:      dispatch.NewRegistry[func()](),
		onDisconnect:   dispatch.NewRegistry[func(CloseInfo)](),
		onError:        dispatch.NewRegistry[func(error)](),
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultReconnectInitialInterval
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultReconnectMaxInterval
	}
	if c.nowF == nil {
		c.nowF = time.Now
	}
	return c, nil
}

// SessionID identifies this channel to the server across reconnects. It is sent in the auth frame
// as "sessionId" unless the credentials already carry one.
func (c *Channel) SessionID() string { return c.sessionID }

// On registers h for inbound messages of msgType. Use dispatch.Wildcard for every type.
func (c *Channel) On(msgType string, h MessageHandler) {
	if h != nil {
		c.messages.Register(msgType, h)
	}
}

// Off removes every message handler registered for msgType.
func (c *Channel) Off(msgType string) {
	c.messages.Clear(msgType)
}

// OnConnect registers h to run after each successful connect.
func (c *Channel) OnConnect(h func()) {
	if h != nil {
		c.onConnect.Register(lifecycleKey, h)
	}
}

// OnDisconnect registers h to run when a live connection closes, locally or by the server.
func (c *Channel) OnDisconnect(h func(CloseInfo)) {
	if h != nil {
		c.onDisconnect.Register(lifecycleKey, h)
	}
}

// OnError registers h to observe connect and send failures. The failure is still returned to the caller.
func (c *Channel) OnError(h func(error)) {
	if h != nil {
		c.onError.Register(lifecycleKey, h)
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection, sends the auth frame, re-sends tracked subscriptions, runs connect
// handlers and starts forwarding inbound frames. It fails with ErrAlreadyConnecting or
// ErrAlreadyConnected unless the channel is Disconnected, and with a *ConnectionError otherwise.
func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	case StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.attempt++
	attempt := c.attempt
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, err := c.dialer.Dial(dialCtx, c.url)
	cancel()
	if err != nil {
		return c.failConnect(attempt, nil, "dial", err)
	}

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return c.failConnect(attempt, nil, "dial", ErrConnectAborted)
	}
	c.conn = conn
	c.state = StateConnected
	c.cancelDial = nil
	subs := slices.Sorted(maps.Keys(c.subscriptions))
	c.mu.Unlock()

	if err := c.write(conn, TypeAuth, c.authData()); err != nil {
		return c.failConnect(attempt, conn, "auth", err)
	}
	for _, ch := range subs {
		if err := c.write(conn, TypeSubscribe, map[string]any{"channel": ch}); err != nil {
			return c.failConnect(attempt, conn, "subscribe", err)
		}
	}

	for _, h := range c.onConnect.Lookup(lifecycleKey) {
		safeCall("connect", func() { h() })
	}
	go c.readLoop(conn)
	return nil
}

// failConnect resets state for attempt, closes conn if set, notifies error handlers and returns
// the ConnectionError.
func (c *Channel) failConnect(attempt uint64, conn Conn, op string, cause error) error {
	c.mu.Lock()
	if c.attempt == attempt {
		c.state = StateDisconnected
		c.conn = nil
		c.cancelDial = nil
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	err := &ConnectionError{Op: op, URL: c.url, Err: cause}
	c.notifyError(err)
	return err
}

func (c *Channel) authData() map[string]any {
	data := maps.Clone(c.credentials)
	if data == nil {
		data = make(map[string]any, 1)
	}
	if _, ok := data["sessionId"]; !ok {
		data["sessionId"] = c.sessionID
	}
	return data
}

func (c *Channel) write(conn Conn, msgType string, data map[string]any) error {
	frame, err := encodeMessage(msgType, data, c.nowF())
	if err != nil {
		return err
	}
	return conn.WriteMessage(frame)
}

func (c *Channel) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		msg, ok := decodeMessage(raw)
		if !ok {
			continue
		}
		for _, h := range c.messages.Lookup(msg.Type) {
			safeCall("message "+msg.Type, func() { h(msg.Data, msg.Type, msg) })
		}
	}
}

func (c *Channel) handleClosed(conn Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	_ = conn.Close()
	info := closeInfoFrom(err)
	for _, h := range c.onDisconnect.Lookup(lifecycleKey) {
		safeCall("disconnect", func() { h(info) })
	}
}

// Send transmits {type, data, timestamp}. Returns false without transmitting unless Connected,
// and false when the write fails (error handlers are notified).
func (c *Channel) Send(msgType string, data map[string]any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return false
	}
	if err := c.write(conn, msgType, data); err != nil {
		c.notifyError(&ConnectionError{Op: "send", URL: c.url, Err: err})
		return false
	}
	return true
}

// Subscribe asks the server to deliver messages for channel. Returns ErrNotConnected unless
// Connected. Subscribed channels are re-sent after every reconnect.
func (c *Channel) Subscribe(channel string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if !c.Send(TypeSubscribe, map[string]any{"channel": channel}) {
		return &ConnectionError{Op: "subscribe", URL: c.url, Err: ErrSendFailed}
	}
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe stops tracking channel and tells the server when connected.
func (c *Channel) Unsubscribe(channel string) bool {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
	return c.Send(TypeUnsubscribe, map[string]any{"channel": channel})
}

// Subscriptions returns the tracked channels in sorted order.
func (c *Channel) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.subscriptions))
}

// Disconnect closes the live connection, or aborts an in-flight attempt, and moves to
// Disconnected. Disconnect handlers run once the read loop observes the closure.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.conn = nil
	c.state = StateDisconnected
	c.attempt++
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Reconnect calls Connect up to maxAttempts times with exponential backoff between attempts.
// It stops early when ctx is done, and returns the last failure after exhausting attempts.
// Precondition failures (already connecting or connected) are returned immediately.
func (c *Channel) Reconnect(ctx context.Context, maxAttempts int) error {
	if maxAttempts < 1 {
		return fmt.Errorf("realtime: maxAttempts must be positive, got %d", maxAttempts)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.Connect(ctx)
		if errors.Is(err, ErrAlreadyConnecting) || errors.Is(err, ErrAlreadyConnected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("realtime: connect attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, next, err)
		}),
	)
	// With a single try the retry loop returns the wrapper before unwrapping it.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func (c *Channel) notifyError(err error) {
	for _, h := range c.onError.Lookup(lifecycleKey) {
		safeCall("error", func() { h(err) })
	}
}

// safeCall runs fn, logging and swallowing a panic so one handler cannot break delivery to others.
func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: %s handler panicked: %v", what, r)
		}
	}()
	fn()
}
