package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// ErrAuthRejected marks a credential failure. Retrying with the same
// credentials cannot succeed, so the supervisor escalates instead of
// backing off forever.
var ErrAuthRejected = errors.New("broker rejected credentials")

// Quota classes the broker meters independently. Session management draws
// from a much smaller budget than data requests.
const (
	QuotaAccount     = "account"
	QuotaApplication = "application"
)

// QuotaWaiter blocks until a request of the given class may be sent.
// Satisfied by ratelimit.Limiter.
type QuotaWaiter interface {
	Wait(ctx context.Context, class string, cost int) error
}

// RESTClient talks to the broker's historical/session HTTP API. Every call
// acquires quota before touching the network, so a shared limiter keeps the
// whole process inside the broker's budget.
type RESTClient struct {
	baseURL   string
	accountID string
	apiKey    string
	limiter   QuotaWaiter
	http      *http.Client

	mu    sync.RWMutex
	token string
}

func NewRESTClient(baseURL, accountID, apiKey string, limiter QuotaWaiter) *RESTClient {
	return &RESTClient{
		baseURL:   baseURL,
		accountID: accountID,
		apiKey:    apiKey,
		limiter:   limiter,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type sessionRequest struct {
	AccountID string `json:"account_id"`
	APIKey    string `json:"api_key"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// Login opens a session and stores the bearer token for subsequent calls.
func (c *RESTClient) Login(ctx context.Context) error {
	if err := c.limiter.Wait(ctx, QuotaAccount, 1); err != nil {
		return fmt.Errorf("waiting for account quota: %w", err)
	}

	timer := logger.StartOperation(ctx, "broker_login", "account", c.accountID)

	body, err := json.Marshal(sessionRequest{AccountID: c.accountID, APIKey: c.apiKey})
	if err != nil {
		timer.EndWithError(err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/session", bytes.NewReader(body))
	if err != nil {
		timer.EndWithError(err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		err = fmt.Errorf("session request failed: %w", err)
		timer.EndWithError(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		err = fmt.Errorf("%w: %s", ErrAuthRejected, readError(resp.Body, resp.StatusCode))
		timer.EndWithError(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("session rejected: %s", readError(resp.Body, resp.StatusCode))
		timer.EndWithError(err)
		return err
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		err = fmt.Errorf("decoding session response: %w", err)
		timer.EndWithError(err)
		return err
	}
	if session.Token == "" {
		err = fmt.Errorf("session response missing token")
		timer.EndWithError(err)
		return err
	}

	c.mu.Lock()
	c.token = session.Token
	c.mu.Unlock()
	timer.End()
	return nil
}

// Token returns the current session bearer token, empty before Login.
func (c *RESTClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type candlePayload struct {
	StartTS int64   `json:"start_ts"`
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
}

type candlesResponse struct {
	Instrument string          `json:"instrument"`
	Timeframe  string          `json:"timeframe"`
	Candles    []candlePayload `json:"candles"`
}

// Candles fetches historical candles for [from, to). The broker caps the
// page size, so callers chunk larger ranges themselves.
func (c *RESTClient) Candles(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time, count int) ([]types.Candle, error) {
	if err := c.limiter.Wait(ctx, QuotaApplication, 1); err != nil {
		return nil, fmt.Errorf("waiting for application quota: %w", err)
	}

	d, err := tf.Duration()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("instrument", instrument)
	q.Set("timeframe", string(tf))
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/candles?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("candles request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, readError(resp.Body, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("candles request rejected: %s", readError(resp.Body, resp.StatusCode))
	}

	var payload candlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding candles response: %w", err)
	}

	candles := make([]types.Candle, 0, len(payload.Candles))
	for _, p := range payload.Candles {
		candles = append(candles, types.Candle{
			Instrument: instrument,
			Timeframe:  tf,
			StartTS:    p.StartTS,
			EndTS:      p.StartTS + int64(d.Seconds()),
			Open:       p.Open,
			High:       p.High,
			Low:        p.Low,
			Close:      p.Close,
			Volume:     p.Volume,
			Source:     types.SourceBackfill,
		})
	}

	logger.Debug(ctx, "Fetched historical candles",
		"instrument", instrument, "timeframe", string(tf),
		"from", from.Unix(), "to", to.Unix(), "count", len(candles))
	return candles, nil
}

func readError(r io.Reader, status int) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	if len(body) == 0 {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, body)
}
