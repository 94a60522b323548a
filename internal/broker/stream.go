package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// Frame kinds arriving on the price stream.
const (
	FrameTick         = "tick"
	FrameHeartbeat    = "heartbeat"
	FrameSubscribeAck = "subscribe_ack"
)

// Frame is one inbound message from the stream. Only the fields matching
// Type are populated.
type Frame struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument,omitempty"`
	Bid        float64 `json:"bid,omitempty"`
	Ask        float64 `json:"ask,omitempty"`
	Time       int64   `json:"time,omitempty"` // unix milliseconds
}

// Tick converts a tick frame to the internal representation.
func (f Frame) Tick() types.Tick {
	return types.Tick{
		Instrument: f.Instrument,
		Bid:        f.Bid,
		Ask:        f.Ask,
		Time:       time.UnixMilli(f.Time).UTC(),
	}
}

type subscribeFrame struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
}

// Stream is a live price connection. It is single-reader: the supervisor
// owns the read loop and discards the whole stream on any error.
type Stream struct {
	conn        *websocket.Conn
	dialer      *websocket.Dialer
	url         string
	instruments []string
}

func NewStream(streamURL string, instruments []string) *Stream {
	return &Stream{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		url:         streamURL,
		instruments: instruments,
	}
}

// Connect dials the stream with the session token and subscribes the
// configured instruments. An instrument whose ack never arrives is dropped
// for this connection instead of failing the whole feed; the gap reconciler
// repairs it once the instrument comes back.
func (s *Stream) Connect(ctx context.Context, token string, subscribeTimeout time.Duration) error {
	acked, err := s.dialAndSubscribe(ctx, token, s.instruments, subscribeTimeout)
	if err != nil && IsTimeout(err) && len(acked) > 0 {
		// The expired read deadline poisons the websocket read state, so
		// the acked subset gets a fresh connection rather than this one.
		logger.Warn(ctx, "Subscribe acks missing, continuing with acked subset",
			"missing", missingFrom(s.instruments, acked), "acked", acked)
		acked, err = s.dialAndSubscribe(ctx, token, acked, subscribeTimeout)
	}
	if err != nil {
		return err
	}

	logger.Info(ctx, "Price stream connected", "url", s.url, "instruments", len(acked))
	return nil
}

func (s *Stream) dialAndSubscribe(ctx context.Context, token string, instruments []string, subscribeTimeout time.Duration) ([]string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: stream handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing stream: %w", err)
	}
	s.conn = conn

	acked, err := s.subscribe(ctx, instruments, subscribeTimeout)
	if err != nil {
		conn.Close()
		s.conn = nil
		return acked, err
	}
	return acked, nil
}

// subscribe sends one subscribe frame per instrument and reads until every
// ack has arrived or the deadline passes, returning the instruments acked so
// far either way. Ticks that arrive interleaved with acks are dropped; the
// aggregator state is rebuilt from scratch after every connect anyway.
func (s *Stream) subscribe(ctx context.Context, instruments []string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)

	pending := make(map[string]bool, len(instruments))
	for _, instrument := range instruments {
		pending[instrument] = true
		s.conn.SetWriteDeadline(deadline)
		if err := s.conn.WriteJSON(subscribeFrame{Type: "subscribe", Instrument: instrument}); err != nil {
			return nil, fmt.Errorf("sending subscribe for %s: %w", instrument, err)
		}
	}

	acked := make([]string, 0, len(instruments))
	for len(pending) > 0 {
		var frame Frame
		s.conn.SetReadDeadline(deadline)
		if err := s.conn.ReadJSON(&frame); err != nil {
			return acked, fmt.Errorf("waiting for subscribe acks (%d outstanding): %w", len(pending), err)
		}
		if frame.Type == FrameSubscribeAck && pending[frame.Instrument] {
			delete(pending, frame.Instrument)
			acked = append(acked, frame.Instrument)
			logger.Debug(ctx, "Subscription acknowledged", "instrument", frame.Instrument)
		}
	}
	return acked, nil
}

func missingFrom(all, acked []string) []string {
	got := make(map[string]bool, len(acked))
	for _, instrument := range acked {
		got[instrument] = true
	}
	missing := make([]string, 0, len(all)-len(acked))
	for _, instrument := range all {
		if !got[instrument] {
			missing = append(missing, instrument)
		}
	}
	return missing
}

// Read blocks for the next frame. The deadline doubles as the staleness
// watchdog: a healthy feed sends heartbeats well inside it, so a timeout
// means the connection is silently dead.
func (s *Stream) Read(staleness time.Duration) (Frame, error) {
	var frame Frame
	s.conn.SetReadDeadline(time.Now().Add(staleness))
	if err := s.conn.ReadJSON(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (s *Stream) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsTimeout reports whether a read error came from the staleness deadline
// rather than a closed or broken connection.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
