package hub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

var ErrUnauthorized = errors.New("hub: unauthorized")

// Client is the process-side handle to the hub. Calls are serialized over a
// single websocket connection, one request frame and one response frame per
// call, each bounded by the configured timeout. Safe for concurrent use.
//
// Any transport failure discards the connection: a timed-out call leaves an
// unread response in flight, so the request/response pairing on that socket
// cannot be trusted again. The next call dials and authenticates afresh,
// which lets callers retry through a hub restart.
type Client struct {
	addr    string
	secret  string
	timeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// Dial connects to the hub at addr (host:port) and performs the shared-secret
// handshake. Unauthenticated access is rejected by the hub outright.
func Dial(ctx context.Context, addr, secret string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{addr: addr, secret: secret, timeout: timeout}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.redialLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// PutTick writes the latest tick for an instrument. A failed write is
// returned to the caller, never swallowed.
func (c *Client) PutTick(tick types.Tick) error {
	resp, err := c.call(Request{Op: OpPutTick, Tick: &tick})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("hub put_tick: %s", resp.Error)
	}
	return nil
}

// PutCandle upserts a finalized candle by its (instrument, timeframe,
// start_ts) key.
func (c *Client) PutCandle(candle types.Candle) error {
	resp, err := c.call(Request{Op: OpPutCandle, Candle: &candle})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("hub put_candle: %s", resp.Error)
	}
	return nil
}

// GetLatestTick fetches the most recent tick for an instrument. Returns
// ErrNotFound (wrapped) if no tick has been written.
func (c *Client) GetLatestTick(instrument string) (types.Tick, error) {
	resp, err := c.call(Request{Op: OpGetLatestTick, Instrument: instrument})
	if err != nil {
		return types.Tick{}, err
	}
	if !resp.OK {
		if strings.Contains(resp.Error, ErrNotFound.Error()) {
			return types.Tick{}, fmt.Errorf("hub get_latest_tick %s: %w", instrument, ErrNotFound)
		}
		return types.Tick{}, fmt.Errorf("hub get_latest_tick %s: %s", instrument, resp.Error)
	}
	if resp.Tick == nil {
		return types.Tick{}, fmt.Errorf("hub get_latest_tick %s: empty response", instrument)
	}
	return *resp.Tick, nil
}

// GetCandles fetches the most recent count candles in ascending time order.
func (c *Client) GetCandles(instrument string, timeframe types.Timeframe, count int) ([]types.Candle, error) {
	resp, err := c.call(Request{Op: OpGetCandles, Instrument: instrument, Timeframe: timeframe, Count: count})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("hub get_candles %s/%s: %s", instrument, timeframe, resp.Error)
	}
	return resp.Candles, nil
}

// GetStatus fetches the hub's aggregate counters.
func (c *Client) GetStatus() (types.HubStatus, error) {
	resp, err := c.call(Request{Op: OpGetStatus})
	if err != nil {
		return types.HubStatus{}, err
	}
	if !resp.OK || resp.Status == nil {
		return types.HubStatus{}, fmt.Errorf("hub get_status: %s", resp.Error)
	}
	return *resp.Status, nil
}

// redialLocked replaces the connection with a fresh, authenticated one.
// Caller holds c.mu.
func (c *Client) redialLocked(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("hub dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.nextID = 0

	resp, err := c.roundTripLocked(Request{Op: OpAuth, Secret: c.secret})
	if err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("hub auth: %w", err)
	}
	if !resp.OK {
		conn.Close()
		c.conn = nil
		return ErrUnauthorized
	}
	return nil
}

func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.redialLocked(context.Background()); err != nil {
			return Response{}, err
		}
		logger.Info(context.Background(), "Reconnected to hub", "addr", c.addr)
	}

	resp, err := c.roundTripLocked(req)
	if err != nil {
		c.conn.Close()
		c.conn = nil
	}
	return resp, err
}

func (c *Client) roundTripLocked(req Request) (Response, error) {
	c.nextID++
	req.ID = c.nextID

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return Response{}, fmt.Errorf("hub write: %w", err)
	}

	var resp Response
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := c.conn.ReadJSON(&resp); err != nil {
		return Response{}, fmt.Errorf("hub read: %w", err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("hub response id mismatch: sent %d, got %d", req.ID, resp.ID)
	}
	return resp, nil
}
