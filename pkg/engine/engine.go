package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	// ErrNoOpenSession signals a close with nothing to close. It is not a
	// hard error: callers log it and move on without mutating any total.
	ErrNoOpenSession = errors.New("no open session")
	// ErrSessionAlreadyOpen signals an open request while today already has
	// an open session. The existing session's start is never overwritten.
	ErrSessionAlreadyOpen = errors.New("session already open")
)

// Engine tracks a device's on/off sessions and settles them: it splits a
// closed session at midnight boundaries, computes energy per segment from
// the device's power rating, and accumulates the device and home totals at
// daily, monthly, and yearly granularity through the store.
//
// All open/close operations for the same (home, device) are serialized. The
// device record's open-session field is the authority on whether a session is
// open; the per-day session log mirrors it with an open placeholder.
type Engine struct {
	store storage.Store
	clock clock.Clock

	retries int
	backoff time.Duration

	locks [lockShards]sync.Mutex
}

// lockShards bounds the lock pool: (home, device) keys hash into a fixed
// set of mutexes, so the pool stays constant-size over the process lifetime.
// Colliding devices serialize against each other, which is harmless.
const lockShards = 64

// Configured sets up the engine and registers its retry flags.
func Configured(store storage.Store, clk clock.Clock) *Engine {
	retries := lflag.Int("settle-retries", 3, "Retries per store write when the store is unavailable")
	backoff := lflag.Duration("settle-backoff", 100*time.Millisecond, "Initial backoff between settle retries (doubles per attempt)")

	e := New(store, clk)
	lflag.Do(func() {
		e.retries = *retries
		e.backoff = *backoff
	})
	return e
}

// New returns an engine with default retry behavior, for callers that do not
// go through flags.
func New(store storage.Store, clk clock.Clock) *Engine {
	return &Engine{
		store:   store,
		clock:   clk,
		retries: 3,
		backoff: 100 * time.Millisecond,
	}
}

func (e *Engine) lock(homeID, deviceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(homeID))
	h.Write([]byte{'/'})
	h.Write([]byte(deviceID))
	return &e.locks[h.Sum32()%lockShards]
}

// OpenSession marks the device's session open: the start timestamp is
// recorded first-class on the device record and an open placeholder
// {start: now} is appended to today's session list. A device that already
// has an open session is rejected with ErrSessionAlreadyOpen and nothing is
// written; the existing start is never overwritten.
func (e *Engine) OpenSession(ctx context.Context, homeID, deviceID string) (types.Session, error) {
	l := e.lock(homeID, deviceID)
	l.Lock()
	defer l.Unlock()
	ctx = log.WithAttrs(ctx, slog.String("homeID", homeID), slog.String("deviceID", deviceID))

	dev, err := e.getDevice(ctx, homeID, deviceID)
	if err != nil {
		return types.Session{}, fmt.Errorf("failed to read device: %w", err)
	}
	if dev.OpenedAt != "" {
		log.Ctx(ctx).WarnContext(ctx, "session already open, rejecting",
			slog.String("start", dev.OpenedAt))
		return types.Session{}, fmt.Errorf("%w: started %s", ErrSessionAlreadyOpen, dev.OpenedAt)
	}

	placeholder := types.Session{Start: clock.FormatTimestamp(e.clock.Now())}
	// the device record is the authority on open state; write it before the
	// log placeholder so a partial failure never strands an open-looking
	// placeholder the close path would not know about
	if err := e.withRetry(ctx, func() error {
		return e.store.SetOpenSession(ctx, homeID, deviceID, placeholder.Start)
	}); err != nil {
		return types.Session{}, fmt.Errorf("failed to open session: %w", err)
	}
	if err := e.withRetry(ctx, func() error {
		return e.store.AppendSession(ctx, homeID, deviceID, e.clock.Today(), placeholder)
	}); err != nil {
		return types.Session{}, fmt.Errorf("failed to record open placeholder: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "session opened", slog.String("start", placeholder.Start))
	return placeholder, nil
}

// CloseSession settles the device's open session against the given power
// rating, removes the open placeholder exactly once, and marks the device
// idle. It returns the total energy settled across all segments, for
// logging/telemetry; the total itself is not persisted as one field.
//
// With no open session to close it returns ErrNoOpenSession without
// mutating anything. A malformed start timestamp fails the close before any
// write happens; a retried close cannot double-count because every segment
// application is idempotent.
func (e *Engine) CloseSession(ctx context.Context, homeID, deviceID string, powerKW float64) (float64, error) {
	l := e.lock(homeID, deviceID)
	l.Lock()
	defer l.Unlock()
	ctx = log.WithAttrs(ctx, slog.String("homeID", homeID), slog.String("deviceID", deviceID))

	dev, err := e.getDevice(ctx, homeID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to read device: %w", err)
	}
	if dev.OpenedAt == "" {
		log.Ctx(ctx).WarnContext(ctx, "close requested with no open session")
		return 0, ErrNoOpenSession
	}
	placeholder := types.Session{Start: dev.OpenedAt}

	start, err := clock.ParseTimestamp(placeholder.Start, e.clock.Zone())
	if err != nil {
		return 0, fmt.Errorf("failed to parse session start: %w", err)
	}
	// the placeholder lives under the day it was opened, which is not
	// necessarily today: a device left on across midnight still settles
	openDay := types.DayKey(start)
	end := e.clock.Now()
	if end.Before(start) {
		log.Ctx(ctx).WarnContext(ctx, "session end before start, clamping to zero duration",
			slog.String("start", placeholder.Start), slog.Time("end", end))
	}

	settlementID := uuid.NewString()
	segments := ComputeSegments(start, end, powerKW)

	var total float64
	for _, seg := range segments {
		seg.ID = settlementID + "/" + seg.DayKey
		if err := e.withRetry(ctx, func() error {
			return e.store.ApplySegment(ctx, homeID, deviceID, seg)
		}); err != nil {
			return total, fmt.Errorf("failed to apply segment %s: %w", seg.ID, err)
		}
		total += seg.EnergyKWH
	}

	// consume the open placeholder exactly once; it is distinct from the
	// closed per-day records written above
	if err := e.withRetry(ctx, func() error {
		return e.store.RemoveSession(ctx, homeID, deviceID, openDay, placeholder)
	}); err != nil {
		return total, fmt.Errorf("failed to remove open placeholder: %w", err)
	}
	if err := e.withRetry(ctx, func() error {
		return e.store.SetOpenSession(ctx, homeID, deviceID, "")
	}); err != nil {
		return total, fmt.Errorf("failed to clear open session: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "session settled",
		slog.String("start", placeholder.Start),
		slog.Int("segments", len(segments)),
		slog.Float64("totalKWH", total),
	)
	return total, nil
}

// withRetry runs op, retrying with doubling backoff while the store reports
// itself unavailable. Any other error returns immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	backoff := e.backoff
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = op()
		if err == nil || !errors.Is(err, storage.ErrStoreUnavailable) {
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "store unavailable, retrying",
			slog.Int("attempt", attempt+1), slog.Any("err", err))
	}
	return err
}

// getDevice reads the device record, retrying while the store is
// unavailable.
func (e *Engine) getDevice(ctx context.Context, homeID, deviceID string) (types.Device, error) {
	var dev types.Device
	err := e.withRetry(ctx, func() error {
		var err error
		dev, err = e.store.GetDevice(ctx, homeID, deviceID)
		return err
	})
	return dev, err
}
