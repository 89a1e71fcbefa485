package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBaselines serves canned reference prices and records the cutoffs asked
// for.
type fakeBaselines struct {
	openingPrint    float64
	hasOpeningPrint bool
	lastClose       float64
	hasLastClose    bool
	snapshot        float64
	hasSnapshot     bool
	err             error

	openingPrintAsked time.Time
	lastCloseAsked    time.Time
	snapshotAsked     time.Time
}

func (f *fakeBaselines) OpeningPrint(ctx context.Context, symbol string, sessionOpen time.Time) (float64, bool, error) {
	f.openingPrintAsked = sessionOpen
	return f.openingPrint, f.hasOpeningPrint, f.err
}

func (f *fakeBaselines) LastTradeBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error) {
	f.lastCloseAsked = cutoff
	return f.lastClose, f.hasLastClose, f.err
}

func (f *fakeBaselines) SnapshotBefore(ctx context.Context, symbol string, cutoff time.Time) (float64, bool, error) {
	f.snapshotAsked = cutoff
	return f.snapshot, f.hasSnapshot, f.err
}

func newResolver(t *testing.T, b BaselineSource, at time.Time) *Resolver {
	t.Helper()
	r, err := NewResolver(b, "America/New_York", 24*time.Hour, zap.NewNop())
	require.NoError(t, err)
	return r.WithClock(func() time.Time { return at })
}

func nyTime(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

func TestClassifyWeekday(t *testing.T) {
	b := &fakeBaselines{}
	// 2026-08-25 is a Tuesday.
	cases := []struct {
		hour, min int
		want      State
	}{
		{3, 59, StateClosed},
		{4, 0, StatePre},
		{9, 29, StatePre},
		{9, 30, StateOpen},
		{15, 59, StateOpen},
		{16, 0, StatePost},
		{19, 59, StatePost},
		{20, 0, StateClosed},
	}
	for _, tc := range cases {
		at := nyTime(t, 2026, time.August, 25, tc.hour, tc.min)
		r := newResolver(t, b, at)
		assert.Equal(t, tc.want, r.Classify(at), "at %02d:%02d", tc.hour, tc.min)
	}
}

func TestClassifySaturdayAlwaysClosed(t *testing.T) {
	b := &fakeBaselines{}
	// 2026-08-22 is a Saturday.
	for hour := 0; hour < 24; hour++ {
		at := nyTime(t, 2026, time.August, 22, hour, 0)
		r := newResolver(t, b, at)
		assert.Equal(t, StateClosed, r.Classify(at), "hour %d", hour)
	}
}

func TestOpenSessionUsesOpeningPrint(t *testing.T) {
	b := &fakeBaselines{openingPrint: 100.0, hasOpeningPrint: true}
	at := nyTime(t, 2026, time.August, 25, 10, 0) // Tuesday 10:00 ET
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "AAPL", 105.0)
	require.NoError(t, err)

	assert.Equal(t, StateOpen, q.Session)
	require.True(t, q.HasReference)
	assert.InDelta(t, 0.05, q.ChangeRate, 1e-9) // (105-100)/100
	assert.Equal(t, nyTime(t, 2026, time.August, 25, 9, 30), b.openingPrintAsked)
}

func TestOpenSessionFallsBackToPreviousClose(t *testing.T) {
	b := &fakeBaselines{hasOpeningPrint: false, lastClose: 200.0, hasLastClose: true}
	at := nyTime(t, 2026, time.August, 25, 9, 31) // just after open, no print yet
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "MSFT", 202.0)
	require.NoError(t, err)

	require.True(t, q.HasReference)
	assert.InDelta(t, 0.01, q.ChangeRate, 1e-9)
	// Previous session close boundary is Monday 16:00 ET.
	assert.Equal(t, nyTime(t, 2026, time.August, 24, 16, 0), b.lastCloseAsked)
}

func TestClosedSessionUsesPreviousClose(t *testing.T) {
	b := &fakeBaselines{lastClose: 50.0, hasLastClose: true}
	at := nyTime(t, 2026, time.August, 25, 21, 0) // Tuesday evening
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "SPY", 49.0)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, q.Session)
	require.True(t, q.HasReference)
	assert.InDelta(t, -0.02, q.ChangeRate, 1e-9)
	// After today's close the boundary is today's 16:00.
	assert.Equal(t, nyTime(t, 2026, time.August, 25, 16, 0), b.lastCloseAsked)
}

func TestMondayPreMarketSkipsWeekend(t *testing.T) {
	b := &fakeBaselines{lastClose: 75.0, hasLastClose: true}
	// 2026-08-24 is a Monday; pre-market.
	at := nyTime(t, 2026, time.August, 24, 8, 0)
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "QQQ", 76.5)
	require.NoError(t, err)

	assert.Equal(t, StatePre, q.Session)
	// The most recent completed session closed Friday 16:00 ET.
	assert.Equal(t, nyTime(t, 2026, time.August, 21, 16, 0), b.lastCloseAsked)
}

func TestSundayUsesFridayClose(t *testing.T) {
	b := &fakeBaselines{lastClose: 10.0, hasLastClose: true}
	// 2026-08-23 is a Sunday.
	at := nyTime(t, 2026, time.August, 23, 12, 0)
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "IWM", 11.0)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, q.Session)
	assert.Equal(t, nyTime(t, 2026, time.August, 21, 16, 0), b.lastCloseAsked)
}

func TestNoBaselineReportsUndefined(t *testing.T) {
	b := &fakeBaselines{}
	at := nyTime(t, 2026, time.August, 22, 12, 0) // Saturday
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "IPOX", 42.0)
	require.NoError(t, err)

	assert.False(t, q.HasReference)
	assert.Zero(t, q.ChangeRate)
}

func TestBaselineErrorPropagates(t *testing.T) {
	b := &fakeBaselines{err: errors.New("database unavailable")}
	at := nyTime(t, 2026, time.August, 25, 10, 0)
	r := newResolver(t, b, at)

	_, err := r.Resolve(context.Background(), AssetEquity, "AAPL", 1.0)
	assert.Error(t, err)
}

func TestCryptoAlwaysOpenWithLookback(t *testing.T) {
	b := &fakeBaselines{snapshot: 40000.0, hasSnapshot: true}
	at := nyTime(t, 2026, time.August, 22, 3, 0) // Saturday night: irrelevant
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetCrypto, "BTC", 44000.0)
	require.NoError(t, err)

	assert.Equal(t, StateOpen, q.Session)
	require.True(t, q.HasReference)
	assert.InDelta(t, 0.10, q.ChangeRate, 1e-9)
	assert.Equal(t, at.Add(-24*time.Hour), b.snapshotAsked)
}

func TestCryptoNoSnapshotUndefined(t *testing.T) {
	b := &fakeBaselines{}
	at := nyTime(t, 2026, time.August, 25, 10, 0)
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetCrypto, "NEWCOIN", 1.0)
	require.NoError(t, err)
	assert.False(t, q.HasReference)
}

func TestZeroReferenceIsUndefined(t *testing.T) {
	b := &fakeBaselines{lastClose: 0.0, hasLastClose: true}
	at := nyTime(t, 2026, time.August, 25, 21, 0)
	r := newResolver(t, b, at)

	q, err := r.Resolve(context.Background(), AssetEquity, "HALTED", 5.0)
	require.NoError(t, err)
	assert.False(t, q.HasReference)
}
