package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeFeed is a minimal broker stream endpoint: it acks subscribes and then
// replays a scripted sequence of frames.
type fakeFeed struct {
	upgrader websocket.Upgrader
	frames   []Frame
	gotToken chan string
}

func newFakeFeed(frames []Frame) *fakeFeed {
	return &fakeFeed{frames: frames, gotToken: make(chan string, 1)}
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.gotToken <- r.Header.Get("Authorization")

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var sub subscribeFrame
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if err := conn.ReadJSON(&sub); err != nil {
			break
		}
		if sub.Type != "subscribe" {
			continue
		}
		conn.WriteJSON(Frame{Type: FrameSubscribeAck, Instrument: sub.Instrument})
		break
	}

	for _, frame := range f.frames {
		conn.WriteJSON(frame)
	}

	// Hold the connection open so a scripted silence looks like a stale
	// feed rather than a close.
	time.Sleep(2 * time.Second)
}

func startFeed(t *testing.T, frames []Frame) (*fakeFeed, string) {
	t.Helper()
	feed := newFakeFeed(frames)
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)
	return feed, "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestConnectSubscribesAndReads(t *testing.T) {
	feed, url := startFeed(t, []Frame{
		{Type: FrameHeartbeat, Time: time.Now().UnixMilli()},
		{Type: FrameTick, Instrument: "EUR_USD", Bid: 1.1050, Ask: 1.1052, Time: time.Now().UnixMilli()},
	})

	s := NewStream(url, []string{"EUR_USD"})
	if err := s.Connect(context.Background(), "tok-abc", time.Second); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	if got := <-feed.gotToken; got != "Bearer tok-abc" {
		t.Errorf("expected bearer token on handshake, got %q", got)
	}

	frame, err := s.Read(time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if frame.Type != FrameHeartbeat {
		t.Errorf("expected heartbeat first, got %s", frame.Type)
	}

	frame, err = s.Read(time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if frame.Type != FrameTick {
		t.Fatalf("expected tick, got %s", frame.Type)
	}
	tick := frame.Tick()
	if tick.Instrument != "EUR_USD" || tick.Bid != 1.1050 || tick.Ask != 1.1052 {
		t.Errorf("unexpected tick: %+v", tick)
	}
}

func TestReadTimeoutSignalsStaleness(t *testing.T) {
	_, url := startFeed(t, nil)

	s := NewStream(url, []string{"EUR_USD"})
	if err := s.Connect(context.Background(), "tok-abc", time.Second); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	_, err := s.Read(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout on a silent feed")
	}
	if !IsTimeout(err) {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestConnectPartialSubscribeSuccess(t *testing.T) {
	// A feed that acks EUR_USD but never GBP_USD. One dead symbol must not
	// block streaming the one that answered.
	subs := make(chan []string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var seen []string
		ackedEUR := false
		for {
			var sub subscribeFrame
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			if err := conn.ReadJSON(&sub); err != nil {
				break
			}
			if sub.Type != "subscribe" {
				continue
			}
			seen = append(seen, sub.Instrument)
			if sub.Instrument == "EUR_USD" {
				conn.WriteJSON(Frame{Type: FrameSubscribeAck, Instrument: "EUR_USD"})
				ackedEUR = true
			}
		}
		subs <- seen

		if ackedEUR {
			conn.WriteJSON(Frame{Type: FrameTick, Instrument: "EUR_USD", Bid: 1.1050, Ask: 1.1052, Time: time.Now().UnixMilli()})
			time.Sleep(time.Second)
		}
	}))
	defer srv.Close()

	s := NewStream("ws://"+strings.TrimPrefix(srv.URL, "http://"), []string{"EUR_USD", "GBP_USD"})
	if err := s.Connect(context.Background(), "tok-abc", 200*time.Millisecond); err != nil {
		t.Fatalf("Connect must succeed with a partial subscription, got %v", err)
	}
	defer s.Close()

	first := <-subs
	if len(first) != 2 {
		t.Errorf("expected both subscribes on the first connection, got %v", first)
	}
	second := <-subs
	if len(second) != 1 || second[0] != "EUR_USD" {
		t.Errorf("expected only the acked instrument on the retry, got %v", second)
	}

	frame, err := s.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("Read after partial subscription failed: %v", err)
	}
	if frame.Type != FrameTick || frame.Instrument != "EUR_USD" {
		t.Errorf("expected a live EUR_USD tick, got %+v", frame)
	}
}

func TestSubscribeAckTimeout(t *testing.T) {
	// A feed that never acks.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	s := NewStream("ws://"+strings.TrimPrefix(srv.URL, "http://"), []string{"EUR_USD"})
	if err := s.Connect(context.Background(), "tok-abc", 100*time.Millisecond); err == nil {
		s.Close()
		t.Fatal("expected subscribe timeout")
	}
}
