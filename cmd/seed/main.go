package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/engine"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
)

const seedHome = "demo-home"

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	clk := clock.Configured()
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding demo data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	if err := s.CreateHome(ctx, types.Home{
		ID:      seedHome,
		Name:    "Demo Flat",
		Members: []string{"demo-user"},
	}); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create home", "error", err)
		os.Exit(1)
	}

	devices := []types.Device{
		{ID: "living-room-ac", HomeID: seedHome, Name: "Living Room AC",
			Type: types.DeviceTypeClimateControl, Manufacturer: "Daikin", Model: "FTXM35",
			PowerRatingKW: 2.2, Temperature: &types.Temperature{Value: 23}},
		{ID: "hall-lamp", HomeID: seedHome, Name: "Hall Lamp",
			Type: types.DeviceTypeLighting, PowerRatingKW: 0.06},
		{ID: "kitchen-kettle", HomeID: seedHome, Name: "Kitchen Kettle",
			Type: types.DeviceTypeGenericPlug, PowerRatingKW: 1.8},
	}
	for _, d := range devices {
		if err := s.CreateDevice(ctx, d); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to create device",
				slog.String("deviceID", d.ID), "error", err)
			os.Exit(1)
		}
	}

	evening := types.Scene{
		ID:      "evening",
		HomeID:  seedHome,
		Name:    "Evening",
		Trigger: types.SceneTriggerTime,
		Time:    "18:30",
		Devices: map[string]types.SceneAction{
			"hall-lamp":      {Action: types.SceneVerbTurnOn},
			"living-room-ac": {Action: types.SceneVerbTurnOn, Temperature: ptr(22.0)},
		},
	}
	if err := s.PutScene(ctx, evening); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create scene", "error", err)
		os.Exit(1)
	}

	// replay yesterday's sessions through the real engine so every record,
	// split, and total goes through the same settlement path production uses
	loc := clk.Zone()
	now := time.Now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)

	fake := clock.NewFake(dayStart)
	eng := engine.New(s, fake)

	type burst struct {
		deviceID string
		powerKW  float64
		startHr  float64
		hours    float64
	}
	var bursts []burst
	// AC: an overnight run that crosses midnight plus an evening run
	bursts = append(bursts,
		burst{"living-room-ac", 2.2, -3.5, 8.0},
		burst{"living-room-ac", 2.2, 18.0, 4.5},
		burst{"hall-lamp", 0.06, 17.5, 6.0},
	)
	// kettle: several short boils through the day
	for i := 0; i < 4; i++ {
		bursts = append(bursts, burst{
			"kitchen-kettle", 1.8,
			7.0 + float64(i)*4.0 + rng.Float64(),
			0.05 + rng.Float64()*0.05,
		})
	}

	for _, b := range bursts {
		start := dayStart.Add(time.Duration(b.startHr * float64(time.Hour)))
		fake.Set(start)
		if _, err := eng.OpenSession(ctx, seedHome, b.deviceID); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to open session",
				slog.String("deviceID", b.deviceID), "error", err)
			os.Exit(1)
		}
		fake.Advance(time.Duration(b.hours * float64(time.Hour)))
		kwh, err := eng.CloseSession(ctx, seedHome, b.deviceID, b.powerKW)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close session",
				slog.String("deviceID", b.deviceID), "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "seeded session",
			slog.String("deviceID", b.deviceID),
			slog.Time("start", start),
			slog.Float64("hours", b.hours),
			slog.Float64("kWh", kwh),
		)
	}

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeding complete")
}

func ptr(v float64) *float64 { return &v }
