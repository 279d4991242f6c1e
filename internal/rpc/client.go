package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/geocoder89/authhub/internal/observability"
	"github.com/google/uuid"
)

const dialTimeout = 5 * time.Second

// Client is the gateway side of the command channel: one long-lived TCP
// connection shared by all concurrent calls. Each call is correlated to its
// response by id, so in-flight requests do not block one another and
// responses may arrive out of order.
type Client struct {
	addr    string
	timeout time.Duration
	log     *slog.Logger
	prom    *observability.Prom

	writeMu sync.Mutex // serializes frames onto the connection
	enc     *json.Encoder

	mu        sync.Mutex // guards conn, pending, connected, closed
	conn      net.Conn
	pending   map[string]chan result
	connected bool
	closed    bool
}

// result delivers either a decoded response or a transport-level failure to
// the waiting caller.
type result struct {
	res response
	err error
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithClientMetrics(p *observability.Prom) ClientOption {
	return func(c *Client) { c.prom = p }
}

// Dial connects to the authentication service. The gateway calls this once
// at startup and treats failure as fatal.
func Dial(addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:    addr,
		timeout: 5 * time.Second,
		log:     slog.Default(),
		pending: make(map[string]chan result),
	}

	for _, opt := range opts {
		opt(c)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)

	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}

	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.connected = true

	go c.readLoop()

	return c, nil
}

// Call issues one command and waits for its response. On success the
// envelope's data is unmarshalled into out (when out is non-nil). A transport
// error envelope surfaces as *Error; timeouts and connection loss surface as
// ErrTimeout / ErrUnavailable.
func (c *Client) Call(ctx context.Context, cmd string, payload any, out any) error {
	start := time.Now()
	err := c.call(ctx, cmd, payload, out)
	c.prom.ObserveRPC(cmd, callOutcome(err), time.Since(start))
	return err
}

func (c *Client) call(ctx context.Context, cmd string, payload any, out any) error {
	var raw json.RawMessage

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("rpc: marshal payload: %w", err)
		}
		raw = b
	} else {
		raw = json.RawMessage(`{}`)
	}

	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed || !c.connected {
		c.mu.Unlock()
		return ErrUnavailable
	}
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.write(request{ID: id, Cmd: cmd, Payload: raw})

	if err != nil {
		c.forget(id)
		return ErrUnavailable
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}

		if r.res.Error {
			return &Error{Status: r.res.Status, Message: r.res.Message}
		}

		if out == nil || len(r.res.Data) == 0 {
			return nil
		}

		if err := json.Unmarshal(r.res.Data, out); err != nil {
			return fmt.Errorf("rpc: decode %s response: %w", cmd, err)
		}

		return nil

	case <-timer.C:
		// the connection is left alone; only this call gives up
		c.forget(id)
		return ErrTimeout

	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) write(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.enc == nil {
		return ErrUnavailable
	}

	return c.enc.Encode(req)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop routes responses to their callers and drives reconnection when
// the connection drops.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		dec := json.NewDecoder(bufio.NewReader(conn))

		for {
			var res response

			if err := dec.Decode(&res); err != nil {
				break
			}

			c.dispatch(res)
		}

		// connection lost: every in-flight call fails cleanly
		c.failPending()

		c.mu.Lock()
		closed := c.closed
		c.connected = false
		c.mu.Unlock()

		if closed {
			return
		}

		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) dispatch(res response) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	delete(c.pending, res.ID)
	c.mu.Unlock()

	if !ok {
		// late reply after a timeout; drop it
		return
	}

	ch <- result{res: res}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrUnavailable}
	}
}

func (c *Client) reconnect() bool {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()

		delay := reconnectBackoff(attempt)
		c.log.Warn("rpc reconnecting", "addr", c.addr, "attempt", attempt, "in", delay.String())
		time.Sleep(delay)

		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)

		if err != nil {
			c.log.Error("rpc reconnect failed", "addr", c.addr, "err", err)
			continue
		}

		c.writeMu.Lock()
		c.mu.Lock()
		c.conn = conn
		c.enc = json.NewEncoder(conn)
		c.connected = true
		c.mu.Unlock()
		c.writeMu.Unlock()

		c.log.Info("rpc reconnected", "addr", c.addr)

		return true
	}
}

// Close tears the connection down and stops reconnection. In-flight calls
// fail with a generic transport error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.failPending()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case err == ErrTimeout:
		return "timeout"
	case err == ErrUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}
