package types

import (
	"errors"
	"math"
	"time"
)

// DeviceType is the category tag of a device.
type DeviceType string

const (
	DeviceTypeClimateControl DeviceType = "climate-control"
	DeviceTypeLighting       DeviceType = "lighting"
	DeviceTypeGenericPlug    DeviceType = "generic-plug"
)

// Device represents a controllable smart-home entity with an on/off status
// and a fixed power draw.
type Device struct {
	ID            string       `json:"id" firestore:"id"`
	HomeID        string       `json:"homeID" firestore:"homeID"`
	Name          string       `json:"name" firestore:"name"`
	Type          DeviceType   `json:"type" firestore:"type"`
	Manufacturer  string       `json:"manufacturer,omitempty" firestore:"manufacturer,omitempty"`
	Model         string       `json:"model,omitempty" firestore:"model,omitempty"`
	Status        bool         `json:"status" firestore:"status"`
	PowerRatingKW float64      `json:"powerRating_kW" firestore:"powerRating_kW"`
	Temperature   *Temperature `json:"temperature,omitempty" firestore:"temperature,omitempty"`
	// OpenedAt is the start timestamp of the device's open session, empty
	// when idle. Session state is tracked here first-class, never inferred
	// from the historical per-day log.
	OpenedAt string `json:"openSessionStart,omitempty" firestore:"openSessionStart,omitempty"`
}

// Temperature is only meaningful for climate-control devices.
type Temperature struct {
	Value float64 `json:"value" firestore:"value"`
}

// Validate checks the invariants a registered device must satisfy.
func (d Device) Validate() error {
	if d.Name == "" {
		return errors.New("device name is required")
	}
	if d.Type == "" {
		return errors.New("device type is required")
	}
	if d.PowerRatingKW <= 0 {
		return errors.New("device powerRating_kW must be positive")
	}
	return nil
}

// Session is one contiguous on-interval of a device. A session with no end
// is open; closing it sets the end and the energy in kWh.
// Timestamps are local-zone strings in the YYYY-MM-DD HH:MM:SS format.
type Session struct {
	Start  string  `json:"start" firestore:"start"`
	End    string  `json:"end,omitempty" firestore:"end,omitempty"`
	Energy float64 `json:"energy,omitempty" firestore:"energy,omitempty"`
}

// Open reports whether the session is still missing an end timestamp.
func (s Session) Open() bool {
	return s.End == ""
}

// PeriodEntry is one period-key's worth of consumption data: the closed
// session log (daily granularity only) and the running total in kWh.
// LastSegmentID guards against double-applying the same settlement segment.
type PeriodEntry struct {
	Sessions      []Session `json:"sessions,omitempty" firestore:"sessions,omitempty"`
	Total         float64   `json:"total" firestore:"total"`
	LastSegmentID string    `json:"lastSegmentId,omitempty" firestore:"lastSegmentId,omitempty"`
}

// ConsumptionDoc maps a period key (YYYY-MM-DD, YYYY-MM, or YYYY) to its entry.
type ConsumptionDoc map[string]PeriodEntry

// Clone returns a deep copy of the document. A nil document clones to an
// empty one.
func (d ConsumptionDoc) Clone() ConsumptionDoc {
	out := make(ConsumptionDoc, len(d))
	for k, e := range d {
		if len(e.Sessions) > 0 {
			sessions := make([]Session, len(e.Sessions))
			copy(sessions, e.Sessions)
			e.Sessions = sessions
		}
		out[k] = e
	}
	return out
}

// Granularity selects the consumption document for a scope.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
	GranularityYearly  Granularity = "yearly"
)

// Scope addresses either a device's consumption records (DeviceID set) or
// the home-level aggregates (DeviceID empty).
type Scope struct {
	HomeID   string
	DeviceID string
}

// DeviceLevel reports whether the scope addresses a single device.
func (s Scope) DeviceLevel() bool {
	return s.DeviceID != ""
}

// Home is the tenant scope grouping devices, members, and scenes.
type Home struct {
	ID      string   `json:"id" firestore:"id"`
	Name    string   `json:"name" firestore:"name"`
	Members []string `json:"members,omitempty" firestore:"members,omitempty"`
}

// User holds the per-user state the core touches (the 2FA secret).
type User struct {
	ID              string `json:"id" firestore:"id"`
	Email           string `json:"email,omitempty" firestore:"email,omitempty"`
	TwoFactorSecret string `json:"-" firestore:"secret,omitempty"`
}

// SceneTrigger distinguishes manually-run scenes from time-triggered ones.
type SceneTrigger string

const (
	SceneTriggerManual SceneTrigger = "Manual"
	SceneTriggerTime   SceneTrigger = "Time"
)

// SceneVerb is the action a scene requests for one device.
type SceneVerb string

const (
	SceneVerbTurnOn  SceneVerb = "Turn On"
	SceneVerbTurnOff SceneVerb = "Turn Off"
	SceneVerbToggle  SceneVerb = "Toggle"
)

// SceneAction is one device's entry in a scene.
type SceneAction struct {
	Action      SceneVerb `json:"action" firestore:"action"`
	Temperature *float64  `json:"temperature,omitempty" firestore:"temperature,omitempty"`
}

// Scene is a named batch of device actions, triggered manually or by time.
type Scene struct {
	ID      string                 `json:"id" firestore:"id"`
	HomeID  string                 `json:"homeID" firestore:"homeID"`
	Name    string                 `json:"name" firestore:"name"`
	Trigger SceneTrigger           `json:"type" firestore:"type"`
	Time    string                 `json:"time,omitempty" firestore:"time,omitempty"` // HH:MM, local zone
	Devices map[string]SceneAction `json:"devices" firestore:"devices"`
}

// Segment is one per-day slice of a settled session. Settlement splits a
// session at midnight boundaries; each segment carries the closed session
// record for its day and the energy delta to add to that day's, month's, and
// year's totals at both device and home scope.
type Segment struct {
	// ID is the idempotency key (settlement ID + day key); a store must not
	// apply the same segment ID to an entry twice.
	ID       string
	DayKey   string
	MonthKey string
	YearKey  string
	// Record is the closed session appended to the device-daily log.
	Record Session
	Hours  float64
	// EnergyKWH is the unrounded delta; rounding happens at accumulation.
	EnergyKWH float64
}

// RoundKWH rounds a kWh value to 4 decimal places, half away from zero.
// Totals are rounded at each accumulation (previous total + delta), never on
// the delta alone, matching the recorded data exactly even though repeated
// small deltas can accumulate rounding bias.
func RoundKWH(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// DayKey formats t's calendar date as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// MonthKey formats t's calendar month as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// YearKey formats t's calendar year as YYYY.
func YearKey(t time.Time) string {
	return t.Format("2006")
}
