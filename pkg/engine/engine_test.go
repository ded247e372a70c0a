package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHome   = "home-1"
	testDevice = "device-1"
)

func newTestEngine(t *testing.T, at time.Time) (*Engine, *storage.Memory, *clock.Fake) {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.CreateDevice(context.Background(), types.Device{
		ID:            testDevice,
		HomeID:        testHome,
		Name:          "Test Plug",
		Type:          types.DeviceTypeGenericPlug,
		PowerRatingKW: 1.5,
	}))
	clk := clock.NewFake(at)
	e := New(store, clk)
	e.backoff = time.Millisecond
	return e, store, clk
}

// findOpenSession scans a daily document for any session still lacking an
// end timestamp, newest day first.
func findOpenSession(doc types.ConsumptionDoc) (types.Session, string, bool) {
	days := make([]string, 0, len(doc))
	for day := range doc {
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	for _, day := range days {
		sessions := doc[day].Sessions
		for i := len(sessions) - 1; i >= 0; i-- {
			if sessions[i].Open() {
				return sessions[i], day, true
			}
		}
	}
	return types.Session{}, "", false
}

func deviceScope() types.Scope { return types.Scope{HomeID: testHome, DeviceID: testDevice} }
func homeScope() types.Scope   { return types.Scope{HomeID: testHome} }

func getDoc(t *testing.T, store *storage.Memory, scope types.Scope, g types.Granularity) types.ConsumptionDoc {
	t.Helper()
	doc, err := store.GetConsumption(context.Background(), scope, g)
	require.NoError(t, err)
	return doc
}

func TestOpenThenCloseSingleDay(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	placeholder, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01 10:00:00", placeholder.Start)

	clk.Advance(2 * time.Hour)
	total, err := e.CloseSession(ctx, testHome, testDevice, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, total, 1e-9)

	daily := getDoc(t, store, deviceScope(), types.GranularityDaily)
	entry := daily["2024-01-01"]
	require.Len(t, entry.Sessions, 1, "exactly one closed record, placeholder consumed")
	assert.Equal(t, "2024-01-01 10:00:00", entry.Sessions[0].Start)
	assert.Equal(t, "2024-01-01 12:00:00", entry.Sessions[0].End)
	assert.InDelta(t, 3.0, entry.Sessions[0].Energy, 1e-9)
	assert.Equal(t, 3.0, entry.Total)

	assert.Equal(t, 3.0, getDoc(t, store, deviceScope(), types.GranularityMonthly)["2024-01"].Total)
	assert.Equal(t, 3.0, getDoc(t, store, deviceScope(), types.GranularityYearly)["2024"].Total)
	assert.Equal(t, 3.0, getDoc(t, store, homeScope(), types.GranularityDaily)["2024-01-01"].Total)
	assert.Equal(t, 3.0, getDoc(t, store, homeScope(), types.GranularityMonthly)["2024-01"].Total)
	assert.Equal(t, 3.0, getDoc(t, store, homeScope(), types.GranularityYearly)["2024"].Total)
}

func TestCloseSplitsAcrossMidnight(t *testing.T) {
	// on at 2024-01-01 22:00:00, off at 2024-01-02 02:00:00, 1.5 kW:
	// two segments of 3.0 kWh each, monthly total up by 6.0
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 22, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)

	clk.Advance(4 * time.Hour)
	total, err := e.CloseSession(ctx, testHome, testDevice, 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, total, 1e-9)

	daily := getDoc(t, store, deviceScope(), types.GranularityDaily)
	day1 := daily["2024-01-01"]
	require.Len(t, day1.Sessions, 1, "placeholder consumed, one closed record for day 1")
	assert.Equal(t, "2024-01-01 23:59:59", day1.Sessions[0].End)
	assert.Equal(t, 3.0, day1.Total)

	day2 := daily["2024-01-02"]
	require.Len(t, day2.Sessions, 1)
	assert.Equal(t, "2024-01-01 22:00:00", day2.Sessions[0].Start, "records keep the original start")
	assert.Equal(t, "2024-01-02 02:00:00", day2.Sessions[0].End)
	assert.Equal(t, 3.0, day2.Total)

	assert.Equal(t, 6.0, getDoc(t, store, deviceScope(), types.GranularityMonthly)["2024-01"].Total)
	assert.Equal(t, 6.0, getDoc(t, store, homeScope(), types.GranularityMonthly)["2024-01"].Total)

	_, _, stillOpen := findOpenSession(daily)
	assert.False(t, stillOpen, "no session entry lacking an end remains after close")

	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.Empty(t, dev.OpenedAt, "device reads idle after close")
}

func TestCloseZeroDuration(t *testing.T) {
	loc := dubai(t)
	e, store, _ := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)

	// off within the same second as on
	total, err := e.CloseSession(ctx, testHome, testDevice, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	require.Len(t, entry.Sessions, 1, "zero-duration segment is still recorded")
	assert.Equal(t, entry.Sessions[0].Start, entry.Sessions[0].End)
	assert.Equal(t, 0.0, entry.Total)
}

func TestCloseWithNoOpenSession(t *testing.T) {
	loc := dubai(t)
	e, store, _ := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))

	total, err := e.CloseSession(context.Background(), testHome, testDevice, 1.5)
	require.ErrorIs(t, err, ErrNoOpenSession)
	assert.Equal(t, 0.0, total)

	// nothing was mutated
	assert.Empty(t, getDoc(t, store, deviceScope(), types.GranularityDaily))
	assert.Empty(t, getDoc(t, store, homeScope(), types.GranularityDaily))
}

func TestDoubleOpenRejected(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	first, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = e.OpenSession(ctx, testHome, testDevice)
	require.ErrorIs(t, err, ErrSessionAlreadyOpen)

	// the original placeholder is untouched
	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	require.Len(t, entry.Sessions, 1)
	assert.Equal(t, first, entry.Sessions[0])
}

func TestDoubleOpenRejectedAcrossMidnight(t *testing.T) {
	// a device left on overnight still counts as open the next day
	loc := dubai(t)
	e, _, clk := newTestEngine(t, time.Date(2024, time.January, 1, 23, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)

	clk.Advance(3 * time.Hour)
	_, err = e.OpenSession(ctx, testHome, testDevice)
	assert.ErrorIs(t, err, ErrSessionAlreadyOpen)
}

func TestCloseRetriesWhileStoreUnavailable(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	store.FailNext(2, storage.ErrStoreUnavailable)
	total, err := e.CloseSession(ctx, testHome, testDevice, 2.0)
	require.NoError(t, err, "bounded retry should ride out transient unavailability")
	assert.InDelta(t, 2.0, total, 1e-9)

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	assert.Equal(t, 2.0, entry.Total, "retried close must not double-count")
	assert.Len(t, entry.Sessions, 1)
}

func TestCloseSurfacesPersistentUnavailability(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	e.retries = 1
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	store.FailNext(10, storage.ErrStoreUnavailable)
	_, err = e.CloseSession(ctx, testHome, testDevice, 2.0)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestCloseParseErrorWritesNothing(t *testing.T) {
	loc := dubai(t)
	e, store, _ := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	// a corrupted open timestamp from some legacy writer
	require.NoError(t, store.SetOpenSession(ctx, testHome, testDevice, "not a timestamp"))
	require.NoError(t, store.AppendSession(ctx, testHome, testDevice, "2024-01-01",
		types.Session{Start: "not a timestamp"}))

	_, err := e.CloseSession(ctx, testHome, testDevice, 1.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, clock.ErrParse)

	// no totals were touched, the device still reads as open, and the
	// placeholder remains for a retried run
	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	assert.Equal(t, 0.0, entry.Total)
	require.Len(t, entry.Sessions, 1)
	assert.True(t, entry.Sessions[0].Open())

	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.Equal(t, "not a timestamp", dev.OpenedAt)
}

func TestCloseEndBeforeStartClamps(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)

	// clock moved backwards between open and close
	clk.Set(time.Date(2024, time.January, 1, 9, 0, 0, 0, loc))
	total, err := e.CloseSession(ctx, testHome, testDevice, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	require.Len(t, entry.Sessions, 1)
	assert.Equal(t, 0.0, entry.Total, "never negative")
}

func TestTotalsMonotonic(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 8, 0, 0, 0, loc))
	ctx := context.Background()

	var lastDaily, lastMonthly float64
	for i := 0; i < 5; i++ {
		_, err := e.OpenSession(ctx, testHome, testDevice)
		require.NoError(t, err)
		clk.Advance(30 * time.Minute)
		_, err = e.CloseSession(ctx, testHome, testDevice, 1.2)
		require.NoError(t, err)
		clk.Advance(10 * time.Minute)

		daily := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"].Total
		monthly := getDoc(t, store, deviceScope(), types.GranularityMonthly)["2024-01"].Total
		assert.GreaterOrEqual(t, daily, lastDaily)
		assert.GreaterOrEqual(t, monthly, lastMonthly)
		lastDaily, lastMonthly = daily, monthly
	}

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	assert.Len(t, entry.Sessions, 5)
	assert.InDelta(t, 3.0, entry.Total, 1e-9)
}

func TestRoundingAppliedAtAccumulation(t *testing.T) {
	// each close settles 0.00005 kWh; rounding happens on each accumulated
	// total, so two closes yield 0.0002 rather than round4(2 * 0.00005)
	loc := dubai(t)
	base := time.Date(2024, time.January, 1, 10, 0, 0, 0, loc)
	e, store, clk := newTestEngine(t, base)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		clk.Set(base.Add(time.Duration(i) * time.Minute))
		_, err := e.OpenSession(ctx, testHome, testDevice)
		require.NoError(t, err)
		clk.Advance(200 * time.Millisecond)
		_, err = e.CloseSession(ctx, testHome, testDevice, 0.9)
		require.NoError(t, err)
	}

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	assert.Equal(t, 0.0002, entry.Total, "accumulation rounding bias is preserved, not fixed")
}

func TestLockPoolBoundedAndStable(t *testing.T) {
	loc := dubai(t)
	e, _, _ := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))

	// the same key always yields the same mutex
	assert.Same(t, e.lock(testHome, testDevice), e.lock(testHome, testDevice))

	// distinct keys share a fixed pool rather than growing one entry per device
	seen := make(map[*sync.Mutex]struct{})
	for i := 0; i < 1000; i++ {
		seen[e.lock(testHome, fmt.Sprintf("device-%d", i))] = struct{}{}
	}
	assert.LessOrEqual(t, len(seen), lockShards)
}

func TestCloseSerializedPerDevice(t *testing.T) {
	loc := dubai(t)
	e, store, clk := newTestEngine(t, time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	ctx := context.Background()

	_, err := e.OpenSession(ctx, testHome, testDevice)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	// two racing closers: exactly one settles, the other sees no open session
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.CloseSession(ctx, testHome, testDevice, 1.0)
			errs <- err
		}()
	}
	var noOpen, settled int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			settled++
		default:
			require.ErrorIs(t, err, ErrNoOpenSession)
			noOpen++
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, noOpen)

	entry := getDoc(t, store, deviceScope(), types.GranularityDaily)["2024-01-01"]
	assert.Equal(t, 1.0, entry.Total, "rapid toggle races cannot double-settle")
	assert.Len(t, entry.Sessions, 1)
}
