// Package scene executes named batches of device actions, either on demand
// or from a time trigger. Every status change goes through the device
// toggler, so scene runs account energy exactly like manual toggles do.
package scene

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/homespace/homespace/pkg/device"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
)

// DeviceReport is the per-device outcome of a scene run.
type DeviceReport struct {
	DeviceID string  `json:"deviceID"`
	Action   string  `json:"action"`
	Changed  bool    `json:"changed"`
	KWH      float64 `json:"kWh,omitempty"`
	// Notice explains a skipped or partially-applied action; the scene run
	// itself still succeeds.
	Notice string `json:"notice,omitempty"`
}

// Report is what a scene run returns to the caller.
type Report struct {
	SceneID string         `json:"sceneID"`
	Name    string         `json:"name"`
	Devices []DeviceReport `json:"devices"`
}

// Executor runs scenes against the device toggler.
type Executor struct {
	store   storage.Store
	toggler *device.Toggler
}

// NewExecutor returns an Executor over the given store and toggler.
func NewExecutor(store storage.Store, toggler *device.Toggler) *Executor {
	return &Executor{store: store, toggler: toggler}
}

// Execute runs one scene. Devices are processed in ID order so repeated runs
// behave identically. A device already in its requested state is skipped with
// a notice rather than failing the run; only a missing scene fails outright.
func (e *Executor) Execute(ctx context.Context, homeID, sceneID string) (Report, error) {
	ctx = log.WithAttrs(ctx, slog.String("homeID", homeID), slog.String("sceneID", sceneID))

	sc, err := e.store.GetScene(ctx, homeID, sceneID)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load scene: %w", err)
	}
	report := Report{SceneID: sc.ID, Name: sc.Name}

	deviceIDs := make([]string, 0, len(sc.Devices))
	for id := range sc.Devices {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Strings(deviceIDs)

	for _, deviceID := range deviceIDs {
		report.Devices = append(report.Devices, e.applyAction(ctx, homeID, deviceID, sc.Devices[deviceID]))
	}

	log.Ctx(ctx).InfoContext(ctx, "scene executed",
		slog.String("name", sc.Name), slog.Int("devices", len(report.Devices)))
	return report, nil
}

func (e *Executor) applyAction(ctx context.Context, homeID, deviceID string, action types.SceneAction) DeviceReport {
	rep := DeviceReport{DeviceID: deviceID, Action: string(action.Action)}

	dev, err := e.store.GetDevice(ctx, homeID, deviceID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "scene references unknown device",
			slog.String("deviceID", deviceID), slog.Any("err", err))
		rep.Notice = "device not found"
		return rep
	}

	switch action.Action {
	case types.SceneVerbTurnOn:
		if dev.Status {
			rep.Notice = fmt.Sprintf("%s is already on", dev.Name)
			return e.applyTemperature(ctx, dev, action, rep)
		}
	case types.SceneVerbTurnOff:
		if !dev.Status {
			rep.Notice = fmt.Sprintf("%s is already off", dev.Name)
			return rep
		}
	case types.SceneVerbToggle:
		// always flips
	default:
		rep.Notice = fmt.Sprintf("unknown action %q", action.Action)
		return rep
	}

	res, err := e.toggler.Toggle(ctx, homeID, deviceID, dev.Status)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "scene toggle failed",
			slog.String("deviceID", deviceID), slog.Any("err", err))
		rep.Notice = err.Error()
		return rep
	}
	rep.Changed = true
	rep.KWH = res.KWH
	if res.Notice != "" {
		rep.Notice = res.Notice
	}
	if res.Status {
		return e.applyTemperature(ctx, dev, action, rep)
	}
	return rep
}

// applyTemperature pushes the scene's temperature to a climate device that is
// (or just turned) on. A temperature on a non-climate action is ignored.
func (e *Executor) applyTemperature(ctx context.Context, dev types.Device, action types.SceneAction, rep DeviceReport) DeviceReport {
	if action.Temperature == nil || dev.Type != types.DeviceTypeClimateControl {
		return rep
	}
	if err := e.toggler.SetTemperature(ctx, dev.HomeID, dev.ID, *action.Temperature); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "scene temperature update failed",
			slog.String("deviceID", dev.ID), slog.Any("err", err))
		if rep.Notice == "" {
			rep.Notice = "temperature update failed"
		}
	}
	return rep
}
