package hub

import (
	"marketpipe/internal/types"
)

// Wire protocol: one JSON request frame, one JSON response frame per call,
// over a websocket connection. The first frame after connect must be an auth
// request; everything else on an unauthenticated connection closes it.

const (
	OpAuth          = "auth"
	OpPutTick       = "put_tick"
	OpPutCandle     = "put_candle"
	OpGetLatestTick = "get_latest_tick"
	OpGetCandles    = "get_candles"
	OpGetStatus     = "get_status"
)

type Request struct {
	ID int64  `json:"id"`
	Op string `json:"op"`

	Secret string `json:"secret,omitempty"` // auth only

	Tick   *types.Tick   `json:"tick,omitempty"`
	Candle *types.Candle `json:"candle,omitempty"`

	Instrument string          `json:"instrument,omitempty"`
	Timeframe  types.Timeframe `json:"timeframe,omitempty"`
	Count      int             `json:"count,omitempty"`
}

type Response struct {
	ID    int64  `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Tick    *types.Tick      `json:"tick,omitempty"`
	Candles []types.Candle   `json:"candles,omitempty"`
	Status  *types.HubStatus `json:"status,omitempty"`
}
