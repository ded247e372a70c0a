package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
)

const (
	// TimestampLayout is the stable, parseable local timestamp format used in
	// all session records (24-hour clock).
	TimestampLayout = "2006-01-02 15:04:05"
	// DateLayout is the calendar-date format used as the daily period key.
	DateLayout = "2006-01-02"
)

// ErrParse is returned (wrapped) when a timestamp string matches no
// supported format.
var ErrParse = errors.New("unparseable timestamp")

// Clock produces current and parsed local timestamps in one fixed,
// configurable time zone. It has no side effects.
type Clock interface {
	// Now returns the current time in the configured zone.
	Now() time.Time
	// Today returns the current calendar date as YYYY-MM-DD.
	Today() string
	// Zone returns the configured location.
	Zone() *time.Location
}

// Wall is the wall-clock implementation of Clock.
type Wall struct {
	loc *time.Location
}

// Configured sets up the wall clock. It registers the timezone flag; the
// zone is configuration, not a hard-coded behavior.
func Configured() *Wall {
	tz := lflag.String("timezone", "Asia/Dubai", "IANA time zone all timestamps and period keys are evaluated in")

	w := &Wall{}
	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone %q: %v", *tz, err))
		}
		w.loc = loc
	})
	return w
}

// NewWall returns a wall clock in the given zone, for callers that do not go
// through flags.
func NewWall(loc *time.Location) *Wall {
	return &Wall{loc: loc}
}

func (w *Wall) Now() time.Time {
	return time.Now().In(w.loc)
}

func (w *Wall) Today() string {
	return w.Now().Format(DateLayout)
}

func (w *Wall) Zone() *time.Location {
	return w.loc
}

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at t. Zone is taken from t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Today() string {
	return f.Now().Format(DateLayout)
}

func (f *Fake) Zone() *time.Location {
	return f.Now().Location()
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// FormatTimestamp renders t in the stable local timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// legacy 12-hour form, e.g. "2025-03-09, 9:05:07 p.m."
var meridianRe = regexp.MustCompile(`(?i)^(\d{4}-\d{2}-\d{2}),?\s*(\d{1,2}):(\d{2}):(\d{2})\s*(a\.m\.|p\.m\.|am|pm)$`)

// ParseTimestamp converts a localized timestamp string to an instant in loc.
// It accepts the 24-hour YYYY-MM-DD HH:MM:SS format (with or without a comma
// after the date) and the legacy 12-hour meridian convention: hour 12 a.m.
// maps to 0, 12 p.m. stays 12, other p.m. hours add 12.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, "2006-01-02, 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	m := meridianRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	hour, err := strconv.Atoi(m[2])
	if err != nil || hour < 1 || hour > 12 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	pm := strings.HasPrefix(strings.ToLower(m[5]), "p")
	if pm && hour != 12 {
		hour += 12
	}
	if !pm && hour == 12 {
		hour = 0
	}
	normalized := fmt.Sprintf("%s %02d:%s:%s", m[1], hour, m[3], m[4])
	t, err := time.ParseInLocation(TimestampLayout, normalized, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return t, nil
}
