package hub

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

const testSecret = "hub-test-secret"

func init() {
	logger.InitWithConfig(logger.LogConfig{Level: "ERROR", Format: "text", TracingEnabled: false})
}

func startTestHub(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := NewServer(NewStore(100), "ignored", testSecret)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	addr := strings.TrimPrefix(ts.URL, "http://")
	return ts, addr
}

func TestAuthRejectsBadSecret(t *testing.T) {
	_, addr := startTestHub(t)

	_, err := Dial(context.Background(), addr, "wrong-secret", time.Second)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthFailClosedForOtherFirstOp(t *testing.T) {
	_, addr := startTestHub(t)

	// Bypass the client and send a non-auth first frame directly.
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(Request{ID: 1, Op: OpGetStatus})

	var resp Response
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&resp); err == nil && resp.OK {
		t.Fatal("unauthenticated request must not succeed")
	}

	// Connection must be closed, not left usable.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&resp); err == nil {
		t.Fatal("expected connection to be closed after failed auth")
	}
}

func TestTickRoundTrip(t *testing.T) {
	_, addr := startTestHub(t)

	c, err := Dial(context.Background(), addr, testSecret, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	tick := types.Tick{Instrument: "EUR_USD", Bid: 1.10500, Ask: 1.10510, Time: time.Now().UTC().Truncate(time.Millisecond)}
	if err := c.PutTick(tick); err != nil {
		t.Fatalf("PutTick failed: %v", err)
	}

	got, err := c.GetLatestTick("EUR_USD")
	if err != nil {
		t.Fatalf("GetLatestTick failed: %v", err)
	}
	if got.Bid != tick.Bid || got.Ask != tick.Ask {
		t.Errorf("tick mismatch: got %+v, want %+v", got, tick)
	}

	if _, err := c.GetLatestTick("GBP_USD"); err == nil {
		t.Error("expected error for instrument with no tick")
	}
}

func TestCandleRoundTripAndStatus(t *testing.T) {
	_, addr := startTestHub(t)

	c, err := Dial(context.Background(), addr, testSecret, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	for i := int64(1); i <= 3; i++ {
		candle := testCandle(i*60, 1.1+float64(i)/1000, types.SourceLive)
		if err := c.PutCandle(candle); err != nil {
			t.Fatalf("PutCandle failed: %v", err)
		}
	}

	candles, err := c.GetCandles("EUR_USD", "1m", 2)
	if err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if candles[0].StartTS != 120 || candles[1].StartTS != 180 {
		t.Errorf("unexpected candle starts: %d, %d", candles[0].StartTS, candles[1].StartTS)
	}

	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.CandlesReceived != 3 {
		t.Errorf("expected 3 candles received, got %d", status.CandlesReceived)
	}
	if status.ClientCount != 1 {
		t.Errorf("expected 1 connected client, got %d", status.ClientCount)
	}
}

func TestClientRedialsAfterBrokenConnection(t *testing.T) {
	ts, addr := startTestHub(t)

	c, err := Dial(context.Background(), addr, testSecret, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	if err := c.PutTick(types.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002, Time: time.Now().UTC()}); err != nil {
		t.Fatalf("PutTick failed: %v", err)
	}

	// Hub bounce: every established socket dies.
	ts.CloseClientConnections()

	// The call that discovers the dead socket may fail; the retry must go
	// through on a fresh authenticated connection.
	tick := types.Tick{Instrument: "EUR_USD", Bid: 1.2, Ask: 1.2002, Time: time.Now().UTC()}
	if err := c.PutTick(tick); err != nil {
		if err := c.PutTick(tick); err != nil {
			t.Fatalf("PutTick after reconnect failed: %v", err)
		}
	}

	got, err := c.GetLatestTick("EUR_USD")
	if err != nil {
		t.Fatalf("GetLatestTick after reconnect failed: %v", err)
	}
	if got.Bid != 1.2 {
		t.Errorf("expected the post-reconnect tick, got %+v", got)
	}
}

func TestConcurrentReaders(t *testing.T) {
	_, addr := startTestHub(t)

	writer, err := Dial(context.Background(), addr, testSecret, time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer writer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 50; i++ {
			writer.PutCandle(testCandle(i*60, 1.1, types.SourceLive))
		}
	}()

	// Readers must never observe a torn candle or out-of-order window while
	// the writer is racing them.
	for r := 0; r < 3; r++ {
		reader, err := Dial(context.Background(), addr, testSecret, time.Second)
		if err != nil {
			t.Fatalf("reader dial failed: %v", err)
		}
		defer reader.Close()

		for i := 0; i < 20; i++ {
			candles, err := reader.GetCandles("EUR_USD", "1m", 100)
			if err != nil {
				t.Fatalf("GetCandles failed: %v", err)
			}
			for j := 1; j < len(candles); j++ {
				if candles[j].StartTS <= candles[j-1].StartTS {
					t.Fatal("reader observed out-of-order candle window")
				}
			}
		}
	}
	<-done
}
