package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/homespace/homespace/pkg/clock"
	"github.com/homespace/homespace/pkg/engine"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/storage/storagemock"
	"github.com/homespace/homespace/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testHome   = "home-1"
	testDevice = "heater-1"
)

func newTestToggler(t *testing.T) (*Toggler, *storage.Memory, *clock.Fake) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Dubai")
	require.NoError(t, err)
	store := storage.NewMemory()
	clk := clock.NewFake(time.Date(2024, time.January, 1, 10, 0, 0, 0, loc))
	require.NoError(t, store.CreateDevice(context.Background(), types.Device{
		ID:            testDevice,
		HomeID:        testHome,
		Name:          "Living Room Heater",
		Type:          types.DeviceTypeClimateControl,
		PowerRatingKW: 1.5,
	}))
	return New(store, engine.New(store, clk)), store, clk
}

func TestToggleOnOpensSession(t *testing.T) {
	tg, store, _ := newTestToggler(t)
	ctx := context.Background()

	res, err := tg.Toggle(ctx, testHome, testDevice, false)
	require.NoError(t, err)
	assert.True(t, res.Status)
	assert.True(t, res.Opened)
	assert.Empty(t, res.Notice)

	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.True(t, dev.Status)

	doc, err := store.GetConsumption(ctx, types.Scope{HomeID: testHome, DeviceID: testDevice}, types.GranularityDaily)
	require.NoError(t, err)
	require.Len(t, doc["2024-01-01"].Sessions, 1)
	assert.True(t, doc["2024-01-01"].Sessions[0].Open())
}

func TestToggleOffSettles(t *testing.T) {
	tg, store, clk := newTestToggler(t)
	ctx := context.Background()

	_, err := tg.Toggle(ctx, testHome, testDevice, false)
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	res, err := tg.Toggle(ctx, testHome, testDevice, true)
	require.NoError(t, err)
	assert.False(t, res.Status)
	assert.True(t, res.Settled)
	assert.InDelta(t, 3.0, res.KWH, 1e-9)

	doc, err := store.GetConsumption(ctx, types.Scope{HomeID: testHome, DeviceID: testDevice}, types.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, 3.0, doc["2024-01-01"].Total)
}

func TestToggleStaleStatusRejected(t *testing.T) {
	tg, store, _ := newTestToggler(t)
	ctx := context.Background()

	_, err := tg.Toggle(ctx, testHome, testDevice, true)
	require.ErrorIs(t, err, ErrStaleStatus)

	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.False(t, dev.Status, "a stale toggle changes nothing")
}

func TestToggleUnknownDevice(t *testing.T) {
	tg, _, _ := newTestToggler(t)

	_, err := tg.Toggle(context.Background(), testHome, "nope", false)
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)
}

type mockAccountant struct {
	mock.Mock
}

func (m *mockAccountant) OpenSession(ctx context.Context, homeID, deviceID string) (types.Session, error) {
	args := m.Called(ctx, homeID, deviceID)
	if len(args) > 0 {
		return args.Get(0).(types.Session), args.Error(1)
	}
	return types.Session{}, nil
}

func (m *mockAccountant) CloseSession(ctx context.Context, homeID, deviceID string, powerKW float64) (float64, error) {
	args := m.Called(ctx, homeID, deviceID, powerKW)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Error(1)
	}
	return 0, nil
}

func TestToggleStatusWriteFailureSkipsAccounting(t *testing.T) {
	// the status write commits before any accounting; if it fails, neither
	// open nor settle may run
	store := &storagemock.MockStore{}
	acct := &mockAccountant{}
	tg := New(store, acct)

	dev := types.Device{
		ID:            testDevice,
		HomeID:        testHome,
		Name:          "Living Room Heater",
		Type:          types.DeviceTypeClimateControl,
		PowerRatingKW: 1.5,
		Status:        true,
	}
	store.On("GetDevice", mock.Anything, testHome, testDevice).Return(dev, nil)
	store.On("SetDeviceStatus", mock.Anything, testHome, testDevice, false).
		Return(errors.New("write refused"))

	_, err := tg.Toggle(context.Background(), testHome, testDevice, true)
	require.Error(t, err)

	store.AssertExpectations(t)
	acct.AssertNotCalled(t, "OpenSession", mock.Anything, mock.Anything, mock.Anything)
	acct.AssertNotCalled(t, "CloseSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestToggleOffAccountingFailureKeepsStatus(t *testing.T) {
	tg, store, clk := newTestToggler(t)
	ctx := context.Background()

	_, err := tg.Toggle(ctx, testHome, testDevice, false)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	// corrupt the open timestamp so settlement fails after the status flip
	require.NoError(t, store.SetOpenSession(ctx, testHome, testDevice, "garbage"))

	res, err := tg.Toggle(ctx, testHome, testDevice, true)
	require.NoError(t, err, "accounting failure is reported, not returned")
	assert.False(t, res.Status)
	assert.False(t, res.Settled)
	assert.NotEmpty(t, res.Notice)

	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	assert.False(t, dev.Status, "status flip is never rolled back")
}

func TestSetTemperature(t *testing.T) {
	tg, store, _ := newTestToggler(t)
	ctx := context.Background()

	require.NoError(t, tg.SetTemperature(ctx, testHome, testDevice, 21.5))
	dev, err := store.GetDevice(ctx, testHome, testDevice)
	require.NoError(t, err)
	require.NotNil(t, dev.Temperature)
	assert.Equal(t, 21.5, dev.Temperature.Value)

	require.NoError(t, store.CreateDevice(ctx, types.Device{
		ID: "plug-1", HomeID: testHome, Name: "Plug", Type: types.DeviceTypeGenericPlug, PowerRatingKW: 0.1,
	}))
	assert.Error(t, tg.SetTemperature(ctx, testHome, "plug-1", 21.5))
}
