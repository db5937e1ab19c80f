package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/huddle-app/huddle/protocol"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Socket is one established connection to the coordination endpoint.
// The real implementation wraps a websocket; tests drive a fake
// directly.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Socket, error)
}

// TokenSource hands out a fresh credential for every connection
// attempt. Tokens are short lived so a cached one must never be reused
// across reconnects. An error means no credential is available, eg the
// user is logged out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type timer interface {
	Stop() bool
}

const (
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Client owns this device's one logical connection to the Session
// Coordinator. It registers the device on connect, hands inbound frames
// to a single handler in arrival order, and reconnects with a doubling
// delay after unintentional drops.
type Client struct {
	dialer  Dialer
	tokens  TokenSource
	device  protocol.DeviceInfo
	handler func(protocol.Message)

	afterFunc func(time.Duration, func()) timer

	m           sync.Mutex
	status      Status
	onStatus    func(Status)
	intentional bool
	sock        Socket
	cancelRead  context.CancelFunc
	pending     timer
	delay       *backoff.ExponentialBackOff
}

func NewClient(dialer Dialer, tokens TokenSource, device protocol.DeviceInfo, handler func(protocol.Message)) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMinDelay
	b.MaxInterval = reconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Client{
		dialer:  dialer,
		tokens:  tokens,
		device:  device,
		handler: handler,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		status: StatusDisconnected,
		delay:  b,
	}
}

// OnStatusChange registers an observer notified once per transition,
// never twice for the same state.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.m.Lock()
	defer c.m.Unlock()
	c.onStatus = fn
}

func (c *Client) Status() Status {
	c.m.Lock()
	defer c.m.Unlock()
	return c.status
}

// Connect establishes the connection. Calling it while connecting or
// connected is a no-op. A missing credential is not an error, just a
// quiet return to disconnected until the caller tries again after
// logging in.
func (c *Client) Connect(ctx context.Context) {
	c.m.Lock()
	if c.status != StatusDisconnected {
		c.m.Unlock()
		return
	}
	c.intentional = false
	c.stopPendingLocked()
	notify := c.setStatusLocked(StatusConnecting)
	c.m.Unlock()
	notify()

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		// Logged out. Terminal until the caller retries, no backoff loop.
		slog.Debug("No credential available, staying disconnected")
		c.m.Lock()
		notify = c.setStatusLocked(StatusDisconnected)
		c.m.Unlock()
		notify()
		return
	}

	sock, err := c.dialer.Dial(ctx, tok)

	c.m.Lock()
	if c.intentional {
		// Hung up while the dial was in flight. Disconnect already moved
		// us to disconnected; a late socket is closed, a late failure
		// schedules nothing.
		c.m.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		slog.Debug("Connection attempt failed", slog.String("stack", err.Error()))
		notify = c.setStatusLocked(StatusDisconnected)
		c.scheduleReconnectLocked()
		c.m.Unlock()
		notify()
		return
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.sock = sock
	c.cancelRead = cancel
	c.delay.Reset()
	notify = c.setStatusLocked(StatusConnected)
	c.m.Unlock()
	notify()

	// Registration is always the first frame on a fresh connection
	if data, err := protocol.Marshal(protocol.Register{Device: c.device}); err == nil {
		if err := sock.Write(readCtx, data); err != nil {
			slog.Debug("Failed to send register frame", slog.String("stack", err.Error()))
		}
	}

	go c.readLoop(readCtx, sock)
}

// Disconnect hangs up on purpose: the automatic reconnect policy is
// suppressed and any pending backoff timer is stopped.
func (c *Client) Disconnect() {
	c.m.Lock()
	c.intentional = true
	c.stopPendingLocked()
	sock := c.sock
	cancel := c.cancelRead
	c.sock = nil
	c.cancelRead = nil
	notify := c.setStatusLocked(StatusDisconnected)
	c.m.Unlock()
	notify()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close()
	}
}

// Send transmits one message best effort, reporting whether it was
// actually written. Nothing is queued or retried; the caller decides
// whether a failed send matters.
func (c *Client) Send(msg protocol.Message) bool {
	c.m.Lock()
	sock := c.sock
	connected := c.status == StatusConnected
	c.m.Unlock()
	if !connected || sock == nil {
		return false
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode outbound message", slog.String("stack", err.Error()))
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := sock.Write(ctx, data); err != nil {
		slog.Debug("Failed to write message", slog.String("stack", err.Error()))
		return false
	}
	return true
}

func (c *Client) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			c.handleClose(sock)
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			// A corrupt frame must never take the connection down
			slog.Debug("Dropping malformed frame", slog.String("stack", err.Error()))
			continue
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// handleClose runs exactly once per connection, off the read loop.
// Socket level errors always precede a close so reconnection is driven
// from here alone, which avoids double scheduling.
func (c *Client) handleClose(sock Socket) {
	sock.Close()

	c.m.Lock()
	if c.sock != sock {
		// Already hung up or replaced by a newer connection
		c.m.Unlock()
		return
	}
	c.sock = nil
	c.cancelRead = nil
	notify := c.setStatusLocked(StatusDisconnected)
	if !c.intentional {
		c.scheduleReconnectLocked()
	}
	c.m.Unlock()
	notify()
}

func (c *Client) scheduleReconnectLocked() {
	delay := c.delay.NextBackOff()
	slog.Debug("Scheduling reconnect", slog.Duration("delay", delay))
	c.pending = c.afterFunc(delay, func() {
		c.m.Lock()
		c.pending = nil
		c.m.Unlock()
		c.Connect(context.Background())
	})
}

func (c *Client) stopPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// setStatusLocked records the transition and returns the notification
// to fire once the lock is released, so observers can call back in.
func (c *Client) setStatusLocked(s Status) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s
	fn := c.onStatus
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}
