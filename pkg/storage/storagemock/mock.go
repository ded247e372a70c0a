package storagemock

import (
	"context"

	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) GetDevice(ctx context.Context, homeID, deviceID string) (types.Device, error) {
	args := m.Called(ctx, homeID, deviceID)
	if len(args) > 0 {
		return args.Get(0).(types.Device), args.Error(1)
	}
	return types.Device{}, nil
}

func (m *MockStore) ListDevices(ctx context.Context, homeID string) ([]types.Device, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).([]types.Device), args.Error(1)
	}
	return nil, nil
}

func (m *MockStore) CreateDevice(ctx context.Context, device types.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockStore) DeleteDevice(ctx context.Context, homeID, deviceID string) error {
	args := m.Called(ctx, homeID, deviceID)
	return args.Error(0)
}

func (m *MockStore) SetDeviceStatus(ctx context.Context, homeID, deviceID string, status bool) error {
	args := m.Called(ctx, homeID, deviceID, status)
	return args.Error(0)
}

func (m *MockStore) SetOpenSession(ctx context.Context, homeID, deviceID, start string) error {
	args := m.Called(ctx, homeID, deviceID, start)
	return args.Error(0)
}

func (m *MockStore) SetDeviceTemperature(ctx context.Context, homeID, deviceID string, value float64) error {
	args := m.Called(ctx, homeID, deviceID, value)
	return args.Error(0)
}

func (m *MockStore) GetConsumption(ctx context.Context, scope types.Scope, g types.Granularity) (types.ConsumptionDoc, error) {
	args := m.Called(ctx, scope, g)
	if len(args) > 0 {
		return args.Get(0).(types.ConsumptionDoc), args.Error(1)
	}
	return types.ConsumptionDoc{}, nil
}

func (m *MockStore) AppendSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	args := m.Called(ctx, homeID, deviceID, dayKey, s)
	return args.Error(0)
}

func (m *MockStore) RemoveSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	args := m.Called(ctx, homeID, deviceID, dayKey, s)
	return args.Error(0)
}

func (m *MockStore) ApplySegment(ctx context.Context, homeID, deviceID string, seg types.Segment) error {
	args := m.Called(ctx, homeID, deviceID, seg)
	return args.Error(0)
}

func (m *MockStore) GetScene(ctx context.Context, homeID, sceneID string) (types.Scene, error) {
	args := m.Called(ctx, homeID, sceneID)
	if len(args) > 0 {
		return args.Get(0).(types.Scene), args.Error(1)
	}
	return types.Scene{}, nil
}

func (m *MockStore) ListScenes(ctx context.Context, homeID string) ([]types.Scene, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).([]types.Scene), args.Error(1)
	}
	return nil, nil
}

func (m *MockStore) PutScene(ctx context.Context, scene types.Scene) error {
	args := m.Called(ctx, scene)
	return args.Error(0)
}

func (m *MockStore) DeleteScene(ctx context.Context, homeID, sceneID string) error {
	args := m.Called(ctx, homeID, sceneID)
	return args.Error(0)
}

func (m *MockStore) GetHome(ctx context.Context, homeID string) (types.Home, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).(types.Home), args.Error(1)
	}
	return types.Home{}, nil
}

func (m *MockStore) ListHomes(ctx context.Context) ([]types.Home, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Home), args.Error(1)
	}
	return nil, nil
}

func (m *MockStore) CreateHome(ctx context.Context, home types.Home) error {
	args := m.Called(ctx, home)
	return args.Error(0)
}

func (m *MockStore) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	if len(args) > 0 {
		return args.Get(0).(types.User), args.Error(1)
	}
	return types.User{}, nil
}

func (m *MockStore) SetUserSecret(ctx context.Context, userID, secret string) error {
	args := m.Called(ctx, userID, secret)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
