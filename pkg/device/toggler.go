// Package device orchestrates device status changes: every toggle flows
// through here so the status flip and the session accounting stay on one
// code path.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
)

// ErrStaleStatus signals a toggle whose claimed current status disagrees with
// the stored one. The caller acted on an outdated view; nothing is changed.
var ErrStaleStatus = errors.New("stale device status")

// Accountant is the slice of the accounting engine the toggler needs.
type Accountant interface {
	OpenSession(ctx context.Context, homeID, deviceID string) (types.Session, error)
	CloseSession(ctx context.Context, homeID, deviceID string, powerKW float64) (float64, error)
}

// ToggleResult tells the caller what a toggle did, for surfacing to the UI.
type ToggleResult struct {
	DeviceID string  `json:"deviceID"`
	Status   bool    `json:"status"`
	Opened   bool    `json:"opened,omitempty"`
	Settled  bool    `json:"settled,omitempty"`
	KWH      float64 `json:"kWh,omitempty"`
	// Notice is set when the status flipped but accounting was skipped or
	// failed; the status change itself stands.
	Notice string `json:"notice,omitempty"`
}

// Toggler flips device status and drives session accounting off the flip.
type Toggler struct {
	store  storage.Store
	engine Accountant
}

// New returns a Toggler over the given store and accounting engine.
func New(store storage.Store, engine Accountant) *Toggler {
	return &Toggler{store: store, engine: engine}
}

// Toggle flips the device from currentStatus to its opposite. The caller
// states the status it believes the device has; if the store disagrees the
// request is rejected with ErrStaleStatus and nothing changes.
//
// The status write commits first. Accounting runs after it and is not rolled
// back on failure: a device that was physically switched stays switched, and
// the failure is logged and reported in the result's Notice instead.
func (t *Toggler) Toggle(ctx context.Context, homeID, deviceID string, currentStatus bool) (ToggleResult, error) {
	ctx = log.WithAttrs(ctx, slog.String("homeID", homeID), slog.String("deviceID", deviceID))

	dev, err := t.store.GetDevice(ctx, homeID, deviceID)
	if err != nil {
		return ToggleResult{}, fmt.Errorf("failed to load device: %w", err)
	}
	if dev.Status != currentStatus {
		log.Ctx(ctx).WarnContext(ctx, "toggle rejected, caller status is stale",
			slog.Bool("claimed", currentStatus), slog.Bool("stored", dev.Status))
		return ToggleResult{}, fmt.Errorf("%w: device is %s", ErrStaleStatus, statusWord(dev.Status))
	}

	newStatus := !currentStatus
	if err := t.store.SetDeviceStatus(ctx, homeID, deviceID, newStatus); err != nil {
		return ToggleResult{}, fmt.Errorf("failed to set device status: %w", err)
	}
	res := ToggleResult{DeviceID: deviceID, Status: newStatus}

	if newStatus {
		if _, err := t.engine.OpenSession(ctx, homeID, deviceID); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "device turned on but session open failed",
				slog.Any("err", err))
			res.Notice = "device is on but energy tracking could not start"
			return res, nil
		}
		res.Opened = true
		return res, nil
	}

	kwh, err := t.engine.CloseSession(ctx, homeID, deviceID, dev.PowerRatingKW)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "device turned off but settlement failed",
			slog.Any("err", err))
		res.Notice = "device is off but energy settlement failed"
		return res, nil
	}
	res.Settled = true
	res.KWH = kwh
	return res, nil
}

// SetTemperature updates the target temperature of a climate-control device.
// Non-climate devices are rejected.
func (t *Toggler) SetTemperature(ctx context.Context, homeID, deviceID string, value float64) error {
	dev, err := t.store.GetDevice(ctx, homeID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if dev.Type != types.DeviceTypeClimateControl {
		return fmt.Errorf("device %s does not support temperature", deviceID)
	}
	if err := t.store.SetDeviceTemperature(ctx, homeID, deviceID, value); err != nil {
		return fmt.Errorf("failed to set temperature: %w", err)
	}
	return nil
}

func statusWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
