package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/homespace/homespace/pkg/types"
)

// Memory is an in-memory Store with the same semantics as the Firestore
// provider. It backs the memory storage-provider flag, the seeder's dry-run
// mode, and tests.
type Memory struct {
	mu      sync.Mutex
	devices map[string]types.Device         // homeID/deviceID
	docs    map[string]types.ConsumptionDoc // homeID/deviceID/granularity (deviceID empty for home scope)
	scenes  map[string]types.Scene          // homeID/sceneID
	homes   map[string]types.Home
	users   map[string]types.User

	failures int
	failErr  error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]types.Device),
		docs:    make(map[string]types.ConsumptionDoc),
		scenes:  make(map[string]types.Scene),
		homes:   make(map[string]types.Home),
		users:   make(map[string]types.User),
	}
}

// FailNext makes the next n operations return err, for exercising retry
// paths in tests.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// fail consumes one injected failure if any are pending.
// Callers must hold m.mu.
func (m *Memory) fail() error {
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	return nil
}

func deviceKey(homeID, deviceID string) string {
	return homeID + "/" + deviceID
}

func docKey(scope types.Scope, g types.Granularity) string {
	return scope.HomeID + "/" + scope.DeviceID + "/" + string(g)
}

func (m *Memory) GetDevice(_ context.Context, homeID, deviceID string) (types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return types.Device{}, err
	}
	d, ok := m.devices[deviceKey(homeID, deviceID)]
	if !ok {
		return types.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d, nil
}

func (m *Memory) ListDevices(_ context.Context, homeID string) ([]types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var devices []types.Device
	for _, d := range m.devices {
		if d.HomeID == homeID {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (m *Memory) CreateDevice(_ context.Context, device types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := deviceKey(device.HomeID, device.ID)
	if _, ok := m.devices[key]; ok {
		return fmt.Errorf("device %s already exists", device.ID)
	}
	m.devices[key] = device
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, homeID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.devices, deviceKey(homeID, deviceID))
	scope := types.Scope{HomeID: homeID, DeviceID: deviceID}
	for _, g := range []types.Granularity{types.GranularityDaily, types.GranularityMonthly, types.GranularityYearly} {
		delete(m.docs, docKey(scope, g))
	}
	return nil
}

func (m *Memory) SetDeviceStatus(_ context.Context, homeID, deviceID string, status bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := deviceKey(homeID, deviceID)
	d, ok := m.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.Status = status
	m.devices[key] = d
	return nil
}

func (m *Memory) SetOpenSession(_ context.Context, homeID, deviceID, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := deviceKey(homeID, deviceID)
	d, ok := m.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.OpenedAt = start
	m.devices[key] = d
	return nil
}

func (m *Memory) SetDeviceTemperature(_ context.Context, homeID, deviceID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := deviceKey(homeID, deviceID)
	d, ok := m.devices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.Temperature = &types.Temperature{Value: value}
	m.devices[key] = d
	return nil
}

func (m *Memory) GetConsumption(_ context.Context, scope types.Scope, g types.Granularity) (types.ConsumptionDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	return m.docs[docKey(scope, g)].Clone(), nil
}

func (m *Memory) AppendSession(_ context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := docKey(types.Scope{HomeID: homeID, DeviceID: deviceID}, types.GranularityDaily)
	doc := m.docs[key]
	if doc == nil {
		doc = types.ConsumptionDoc{}
		m.docs[key] = doc
	}
	entry := doc[dayKey]
	if !containsSession(entry.Sessions, s) {
		entry.Sessions = append(entry.Sessions, s)
	}
	doc[dayKey] = entry
	return nil
}

func (m *Memory) RemoveSession(_ context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	key := docKey(types.Scope{HomeID: homeID, DeviceID: deviceID}, types.GranularityDaily)
	doc := m.docs[key]
	if doc == nil {
		return nil
	}
	entry := doc[dayKey]
	for i, have := range entry.Sessions {
		if have == s {
			entry.Sessions = append(entry.Sessions[:i], entry.Sessions[i+1:]...)
			break
		}
	}
	doc[dayKey] = entry
	return nil
}

func (m *Memory) ApplySegment(_ context.Context, homeID, deviceID string, seg types.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	deviceScope := types.Scope{HomeID: homeID, DeviceID: deviceID}
	homeScope := types.Scope{HomeID: homeID}
	// the device-daily stamp is the retry authority; home-level stamps are
	// shared across devices and can be overwritten between apply and retry
	if m.docs[docKey(deviceScope, types.GranularityDaily)][seg.DayKey].LastSegmentID == seg.ID {
		return nil
	}
	targets := []struct {
		key         string
		periodKey   string
		withSession bool
	}{
		{docKey(deviceScope, types.GranularityDaily), seg.DayKey, true},
		{docKey(deviceScope, types.GranularityMonthly), seg.MonthKey, false},
		{docKey(deviceScope, types.GranularityYearly), seg.YearKey, false},
		{docKey(homeScope, types.GranularityDaily), seg.DayKey, false},
		{docKey(homeScope, types.GranularityMonthly), seg.MonthKey, false},
		{docKey(homeScope, types.GranularityYearly), seg.YearKey, false},
	}
	for _, tgt := range targets {
		doc := m.docs[tgt.key]
		if doc == nil {
			doc = types.ConsumptionDoc{}
			m.docs[tgt.key] = doc
		}
		entry := doc[tgt.periodKey]
		entry.Total = types.RoundKWH(entry.Total + seg.EnergyKWH)
		entry.LastSegmentID = seg.ID
		if tgt.withSession && !containsSession(entry.Sessions, seg.Record) {
			entry.Sessions = append(entry.Sessions, seg.Record)
		}
		doc[tgt.periodKey] = entry
	}
	return nil
}

func (m *Memory) GetScene(_ context.Context, homeID, sceneID string) (types.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return types.Scene{}, err
	}
	sc, ok := m.scenes[homeID+"/"+sceneID]
	if !ok {
		return types.Scene{}, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
	}
	return sc, nil
}

func (m *Memory) ListScenes(_ context.Context, homeID string) ([]types.Scene, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var scenes []types.Scene
	for _, sc := range m.scenes {
		if sc.HomeID == homeID {
			scenes = append(scenes, sc)
		}
	}
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].ID < scenes[j].ID })
	return scenes, nil
}

func (m *Memory) PutScene(_ context.Context, scene types.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.scenes[scene.HomeID+"/"+scene.ID] = scene
	return nil
}

func (m *Memory) DeleteScene(_ context.Context, homeID, sceneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	delete(m.scenes, homeID+"/"+sceneID)
	return nil
}

func (m *Memory) GetHome(_ context.Context, homeID string) (types.Home, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return types.Home{}, err
	}
	h, ok := m.homes[homeID]
	if !ok {
		return types.Home{}, fmt.Errorf("%w: %s", ErrHomeNotFound, homeID)
	}
	return h, nil
}

func (m *Memory) ListHomes(_ context.Context) ([]types.Home, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var homes []types.Home
	for _, h := range m.homes {
		homes = append(homes, h)
	}
	sort.Slice(homes, func(i, j int) bool { return homes[i].ID < homes[j].ID })
	return homes, nil
}

func (m *Memory) CreateHome(_ context.Context, home types.Home) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.homes[home.ID]; ok {
		return fmt.Errorf("home %s already exists", home.ID)
	}
	m.homes[home.ID] = home
	return nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return types.User{}, err
	}
	u, ok := m.users[userID]
	if !ok {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u, nil
}

func (m *Memory) SetUserSecret(_ context.Context, userID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	u := m.users[userID]
	u.ID = userID
	u.TwoFactorSecret = secret
	m.users[userID] = u
	return nil
}

func (m *Memory) Close() error {
	return nil
}
