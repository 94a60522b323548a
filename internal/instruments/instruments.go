package instruments

import (
	"fmt"

	"marketpipe/internal/config"
)

// Table is the static per-instrument quote-convention lookup. It is built
// once at startup from configuration and read-only afterwards, so lookups
// need no locking.
type Table struct {
	pipFactors map[string]float64
}

// NewTable builds the lookup table from configuration. Every tracked
// instrument must carry a positive pip factor; config validation guarantees
// that, but the table re-checks so it can be constructed from other sources.
func NewTable(instruments []config.InstrumentConfig) (*Table, error) {
	t := &Table{pipFactors: make(map[string]float64, len(instruments))}
	for _, in := range instruments {
		if in.PipFactor <= 0 {
			return nil, fmt.Errorf("instrument %s: invalid pip factor %g", in.Name, in.PipFactor)
		}
		if _, dup := t.pipFactors[in.Name]; dup {
			return nil, fmt.Errorf("instrument %s configured twice", in.Name)
		}
		t.pipFactors[in.Name] = in.PipFactor
	}
	return t, nil
}

// PipFactor returns the divisor converting a raw price difference into pips.
func (t *Table) PipFactor(instrument string) (float64, error) {
	f, ok := t.pipFactors[instrument]
	if !ok {
		return 0, fmt.Errorf("unknown instrument %s", instrument)
	}
	return f, nil
}

// SpreadPips converts a raw bid/ask difference into the instrument's pip count.
func (t *Table) SpreadPips(instrument string, bid, ask float64) (float64, error) {
	f, err := t.PipFactor(instrument)
	if err != nil {
		return 0, err
	}
	return (ask - bid) / f, nil
}

// Known reports whether the instrument is tracked.
func (t *Table) Known(instrument string) bool {
	_, ok := t.pipFactors[instrument]
	return ok
}

// Names returns all tracked instruments.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.pipFactors))
	for name := range t.pipFactors {
		names = append(names, name)
	}
	return names
}
