// Package session decides what "current price" means per asset class: which
// market session applies and which reference price the change rate is
// computed against.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State classifies the exchange session at a point in time.
type State string

const (
	StateOpen   State = "OPEN"
	StatePre    State = "PRE"
	StatePost   State = "POST"
	StateClosed State = "CLOSED"
)

// AssetClass selects the session model.
type AssetClass int

const (
	// AssetEquity covers exchange-listed assets with trading hours (equities
	// and ETFs share the venue's session clock).
	AssetEquity AssetClass = iota
	// AssetCrypto is the 24/7 class with no session boundary.
	AssetCrypto
)

// Session windows in the exchange's local clock.
const (
	preOpenHour   = 4
	openHour      = 9
	openMinute    = 30
	closeHour     = 16
	postCloseHour = 20
)

// BaselineSource reads reference prices from durable storage.
type BaselineSource interface {
	// OpeningPrint returns the first trade at-or-after sessionOpen.
	OpeningPrint(ctx context.Context, symbol string, sessionOpen time.Time) (float64, bool, error)
	// LastTradeBefore returns the latest trade strictly before cutoff.
	LastTradeBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error)
	// SnapshotBefore returns the latest crypto snapshot at-or-before cutoff.
	SnapshotBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error)
}

// Quote is a resolved price comparison. ChangeRate is meaningful only when
// HasReference is true; a missing baseline is reported, never fabricated as
// zero.
type Quote struct {
	Symbol       string  `json:"symbol"`
	Current      float64 `json:"current"`
	Session      State   `json:"session"`
	Reference    float64 `json:"reference,omitempty"`
	HasReference bool    `json:"has_reference"`
	ChangeRate   float64 `json:"change_rate,omitempty"`
}

// Resolver classifies market sessions and selects reference prices.
//
// Exchange holidays are not modeled: classification looks only at weekday and
// clock time, so a holiday is misclassified as OPEN. Callers must treat
// equity output as best-effort.
type Resolver struct {
	logger    *zap.Logger
	baselines BaselineSource
	loc       *time.Location
	lookback  time.Duration
	now       func() time.Time
}

// NewResolver builds a resolver for the given exchange timezone. lookback is
// the reference window for the 24/7 asset class.
func NewResolver(baselines BaselineSource, tz string, lookback time.Duration, logger *zap.Logger) (*Resolver, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone %q: %w", tz, err)
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Resolver{
		logger:    logger,
		baselines: baselines,
		loc:       loc,
		lookback:  lookback,
		now:       time.Now,
	}, nil
}

// WithClock overrides the wall clock; used by tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Classify maps an instant to the session state in the exchange timezone.
func (r *Resolver) Classify(t time.Time) State {
	local := t.In(r.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return StateClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes < preOpenHour*60:
		return StateClosed
	case minutes < openHour*60+openMinute:
		return StatePre
	case minutes < closeHour*60:
		return StateOpen
	case minutes < postCloseHour*60:
		return StatePost
	default:
		return StateClosed
	}
}

// sessionOpen returns today's session open in the exchange timezone.
func (r *Resolver) sessionOpen(t time.Time) time.Time {
	local := t.In(r.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, r.loc)
}

// prevSessionClose returns the most recent completed session's close
// boundary, walking back over weekend days. Relative to instant t: during or
// before today's session that is the previous trading day's close; after
// today's close it is today's.
func (r *Resolver) prevSessionClose(t time.Time) time.Time {
	local := t.In(r.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), closeHour, 0, 0, 0, r.loc)
	if !local.Before(day) && local.Weekday() != time.Saturday && local.Weekday() != time.Sunday {
		// Today's close already happened and today was a trading day.
		return day
	}
	day = day.AddDate(0, 0, -1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// Resolve produces the quote for a symbol given its current price.
func (r *Resolver) Resolve(ctx context.Context, class AssetClass, symbol string, current float64) (Quote, error) {
	if class == AssetCrypto {
		return r.resolveCrypto(ctx, symbol, current)
	}
	return r.resolveEquity(ctx, symbol, current)
}

func (r *Resolver) resolveEquity(ctx context.Context, symbol string, current float64) (Quote, error) {
	now := r.now()
	state := r.Classify(now)
	q := Quote{Symbol: symbol, Current: current, Session: state}

	var (
		ref   float64
		found bool
		err   error
	)
	if state == StateOpen {
		// The session's opening print; if none has arrived yet, fall back to
		// the previous session's close until one does.
		ref, found, err = r.baselines.OpeningPrint(ctx, symbol, r.sessionOpen(now))
		if err != nil {
			return q, fmt.Errorf("failed to load opening print for %s: %w", symbol, err)
		}
		if !found {
			ref, found, err = r.baselines.LastTradeBefore(ctx, symbol, r.prevSessionClose(now))
		}
	} else {
		// Last print of the most recent completed session.
		ref, found, err = r.baselines.LastTradeBefore(ctx, symbol, r.prevSessionClose(now))
	}
	if err != nil {
		return q, fmt.Errorf("failed to load reference price for %s: %w", symbol, err)
	}
	if !found {
		r.logger.Debug("no baseline for symbol, change rate undefined",
			zap.String("symbol", symbol),
			zap.String("session", string(state)))
		return q, nil
	}

	q.Reference = ref
	q.HasReference = true
	if ref != 0 {
		q.ChangeRate = (current - ref) / ref
	} else {
		q.HasReference = false
	}
	return q, nil
}

// resolveCrypto skips session classification: there is no boundary to anchor
// to, so the reference is the snapshot one lookback window ago, or the most
// recent earlier snapshot when the window is sparse.
func (r *Resolver) resolveCrypto(ctx context.Context, symbol string, current float64) (Quote, error) {
	q := Quote{Symbol: symbol, Current: current, Session: StateOpen}

	ref, found, err := r.baselines.SnapshotBefore(ctx, symbol, r.now().Add(-r.lookback))
	if err != nil {
		return q, fmt.Errorf("failed to load lookback snapshot for %s: %w", symbol, err)
	}
	if !found || ref == 0 {
		return q, nil
	}

	q.Reference = ref
	q.HasReference = true
	q.ChangeRate = (current - ref) / ref
	return q, nil
}
