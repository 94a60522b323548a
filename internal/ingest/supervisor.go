package ingest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"marketpipe/internal/broker"
	"marketpipe/internal/instruments"
	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// State of the feed connection lifecycle.
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateAuthenticating State = "AUTHENTICATING"
	StateSubscribing    State = "SUBSCRIBING"
	StateStreaming      State = "STREAMING"
	StateReconnecting   State = "RECONNECTING"
	StateStopped        State = "STOPPED"
)

// Consecutive credential rejections before the supervisor gives up instead
// of burning the account quota on retries.
const maxAuthFailures = 3

// ErrAuthEscalated is returned by Run when credentials are rejected
// repeatedly and operator intervention is required.
var ErrAuthEscalated = errors.New("repeated credential rejections, not retrying")

// Session opens a broker session. Satisfied by broker.RESTClient.
type Session interface {
	Login(ctx context.Context) error
	Token() string
}

// TickStream is a live price connection. Satisfied by broker.Stream.
type TickStream interface {
	Connect(ctx context.Context, token string, subscribeTimeout time.Duration) error
	Read(staleness time.Duration) (broker.Frame, error)
	Close() error
}

// TickSink receives every structurally valid tick. Satisfied by the hub
// client and the buffered writer.
type TickSink interface {
	PutTick(tick types.Tick) error
}

// TickAggregator folds ticks into candles. Satisfied by aggregate.Aggregator.
type TickAggregator interface {
	OnTick(ctx context.Context, tick types.Tick) error
	FlushBoundaries(ctx context.Context, now time.Time) error
	Reset()
}

// OutageReconciler repairs the candle window an outage left empty.
// Satisfied by backfill.Reconciler.
type OutageReconciler interface {
	ReconcileOutage(ctx context.Context, downSince time.Time)
}

// Supervisor owns the connection lifecycle: authenticate, subscribe, stream,
// and reconnect with backoff whenever the feed breaks or goes stale. After a
// reconnect it resets the aggregator and triggers an outage reconcile, so
// candle gaps get repaired from the historical API instead of being papered
// over with synthetic data.
type Supervisor struct {
	session     Session
	stream      TickStream
	ticks       TickSink
	aggregator  TickAggregator
	reconciler  OutageReconciler
	instruments *instruments.Table

	staleness        time.Duration
	subscribeTimeout time.Duration
	backoffBase      time.Duration
	backoffMax       time.Duration
	flushEvery       time.Duration

	mu    sync.Mutex
	state State

	// StateListener, when set before Run, observes every transition.
	StateListener func(from, to State)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type SupervisorParams struct {
	Session          Session
	Stream           TickStream
	Ticks            TickSink
	Aggregator       TickAggregator
	Reconciler       OutageReconciler
	Instruments      *instruments.Table
	Staleness        time.Duration
	SubscribeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func NewSupervisor(p SupervisorParams) *Supervisor {
	return &Supervisor{
		session:          p.Session,
		stream:           p.Stream,
		ticks:            p.Ticks,
		aggregator:       p.Aggregator,
		reconciler:       p.Reconciler,
		instruments:      p.Instruments,
		staleness:        p.Staleness,
		subscribeTimeout: p.SubscribeTimeout,
		backoffBase:      p.BackoffBase,
		backoffMax:       p.BackoffMax,
		flushEvery:       time.Second,
		state:            StateDisconnected,
		now:              time.Now,
		sleep:            sleepCtx,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(ctx context.Context, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	logger.StateChange(ctx, string(from), string(to))
	if s.StateListener != nil {
		s.StateListener(from, to)
	}
}

// Run drives the connection until the context is cancelled or credentials
// are rejected beyond recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	var downSince time.Time
	attempt := 0
	authFailures := 0

	for {
		if ctx.Err() != nil {
			s.setState(ctx, StateStopped)
			return nil
		}

		s.setState(ctx, StateAuthenticating)
		if err := s.session.Login(ctx); err != nil {
			if errors.Is(err, broker.ErrAuthRejected) {
				authFailures++
				logger.ErrorWithErr(ctx, "Broker rejected credentials", err, "failures", authFailures)
				if authFailures >= maxAuthFailures {
					s.setState(ctx, StateStopped)
					return ErrAuthEscalated
				}
			} else {
				logger.ErrorWithErr(ctx, "Login failed", err)
			}
			s.setState(ctx, StateReconnecting)
			if err := s.backoff(ctx, attempt); err != nil {
				s.setState(ctx, StateStopped)
				return nil
			}
			attempt++
			continue
		}
		authFailures = 0

		s.setState(ctx, StateSubscribing)
		if err := s.stream.Connect(ctx, s.session.Token(), s.subscribeTimeout); err != nil {
			logger.ErrorWithErr(ctx, "Stream connect failed", err)
			s.setState(ctx, StateReconnecting)
			if err := s.backoff(ctx, attempt); err != nil {
				s.setState(ctx, StateStopped)
				return nil
			}
			attempt++
			continue
		}

		s.setState(ctx, StateStreaming)
		attempt = 0

		if s.reconciler != nil && !downSince.IsZero() {
			go s.reconciler.ReconcileOutage(ctx, downSince)
		}

		err := s.streamLoop(ctx)
		s.stream.Close()
		s.aggregator.Reset()
		downSince = s.now()

		if ctx.Err() != nil {
			s.setState(ctx, StateStopped)
			return nil
		}

		logger.Warn(ctx, "Stream lost, reconnecting", "error", err)
		s.setState(ctx, StateReconnecting)
		if err := s.backoff(ctx, attempt); err != nil {
			s.setState(ctx, StateStopped)
			return nil
		}
		attempt++
	}
}

// streamLoop forwards frames until the connection breaks, goes stale, or the
// context is cancelled. A flush ticker closes interval boundaries even when
// no ticks arrive.
func (s *Supervisor) streamLoop(ctx context.Context) error {
	frames := make(chan broker.Frame)
	errc := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		for {
			frame, err := s.stream.Read(s.staleness)
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- frame:
			case <-readCtx.Done():
				return
			}
		}
	}()

	flush := time.NewTicker(s.flushEvery)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errc:
			if broker.IsTimeout(err) {
				logger.Warn(ctx, "Price feed went stale", "staleness", s.staleness)
			}
			return err

		case frame := <-frames:
			s.handleFrame(ctx, frame)

		case now := <-flush.C:
			if err := s.aggregator.FlushBoundaries(ctx, now); err != nil {
				logger.ErrorWithErr(ctx, "Boundary flush failed", err)
			}
		}
	}
}

func (s *Supervisor) handleFrame(ctx context.Context, frame broker.Frame) {
	switch frame.Type {
	case broker.FrameTick:
		tick := frame.Tick()
		if !tick.Valid() {
			logger.Warn(ctx, "Discarding malformed tick",
				"instrument", frame.Instrument, "bid", frame.Bid, "ask", frame.Ask)
			return
		}
		if s.instruments != nil && !s.instruments.Known(tick.Instrument) {
			logger.Warn(ctx, "Discarding tick for untracked instrument", "instrument", tick.Instrument)
			return
		}
		if s.instruments != nil && logger.IsDebugEnabled() {
			if pips, err := s.instruments.SpreadPips(tick.Instrument, tick.Bid, tick.Ask); err == nil {
				logger.Debug(ctx, "Tick received", "instrument", tick.Instrument,
					"mid", tick.Mid(), "spread_pips", pips)
			}
		}
		if err := s.ticks.PutTick(tick); err != nil {
			logger.ErrorWithErr(ctx, "Failed to publish tick", err, "instrument", tick.Instrument)
		}
		if err := s.aggregator.OnTick(ctx, tick); err != nil {
			logger.ErrorWithErr(ctx, "Failed to aggregate tick", err, "instrument", tick.Instrument)
		}

	case broker.FrameHeartbeat:
		// Reading it already refreshed the staleness deadline.

	case broker.FrameSubscribeAck:
		logger.Debug(ctx, "Late subscribe ack", "instrument", frame.Instrument)

	default:
		logger.Debug(ctx, "Ignoring unknown frame", "type", frame.Type)
	}
}

// backoff sleeps for an exponentially growing, jittered delay. Jitter keeps
// a fleet of ingestors from reconnecting in lockstep after a broker outage.
func (s *Supervisor) backoff(ctx context.Context, attempt int) error {
	delay := s.backoffBase << attempt
	if delay > s.backoffMax || delay <= 0 {
		delay = s.backoffMax
	}
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	logger.Debug(ctx, "Backing off before reconnect", "attempt", attempt, "delay", delay)
	return s.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
