package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homespace/homespace/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	// ErrStoreUnavailable wraps transport/connectivity failures and timed-out
	// round trips. Callers may retry with backoff; every other error kind is
	// surfaced unmodified.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrDeviceNotFound = errors.New("device not found")
	ErrHomeNotFound   = errors.New("home not found")
	ErrSceneNotFound  = errors.New("scene not found")
	ErrUserNotFound   = errors.New("user not found")
)

// Store is the session-store accessor: the abstract read/write interface to
// per-device consumption records, home-level aggregates, and the registry
// collaborators the core needs. All operations are individually atomic at
// the single-document granularity; ApplySegment is additionally atomic
// across the six documents one settled day touches.
type Store interface {
	// Device registry
	GetDevice(ctx context.Context, homeID, deviceID string) (types.Device, error)
	ListDevices(ctx context.Context, homeID string) ([]types.Device, error)
	CreateDevice(ctx context.Context, device types.Device) error
	// DeleteDevice removes the device and abandons its consumption sub-records.
	DeleteDevice(ctx context.Context, homeID, deviceID string) error
	SetDeviceStatus(ctx context.Context, homeID, deviceID string, status bool) error
	SetDeviceTemperature(ctx context.Context, homeID, deviceID string, value float64) error
	// SetOpenSession records the device's open-session start timestamp; an
	// empty start marks the device idle again.
	SetOpenSession(ctx context.Context, homeID, deviceID, start string) error

	// Consumption documents. GetConsumption returns an empty document if
	// absent; it never errors on "not found".
	GetConsumption(ctx context.Context, scope types.Scope, g types.Granularity) (types.ConsumptionDoc, error)
	// AppendSession union-appends a session to the device-daily entry for
	// dayKey: an element already present exactly is not duplicated.
	AppendSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error
	// RemoveSession removes one exact matching element from the device-daily
	// session array for dayKey. Removing an absent element is a no-op.
	RemoveSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error
	// ApplySegment applies one settled day segment to all six affected
	// entries (device daily/monthly/yearly, home daily/monthly/yearly)
	// atomically. A segment whose ID is already stamped on the device-daily
	// entry has committed and the whole apply is a no-op, so a retried close
	// cannot double-count; home-level stamps are shared across devices and
	// are never the retry authority.
	ApplySegment(ctx context.Context, homeID, deviceID string, seg types.Segment) error

	// Scenes
	GetScene(ctx context.Context, homeID, sceneID string) (types.Scene, error)
	ListScenes(ctx context.Context, homeID string) ([]types.Scene, error)
	PutScene(ctx context.Context, scene types.Scene) error
	DeleteScene(ctx context.Context, homeID, sceneID string) error

	// Homes & users
	GetHome(ctx context.Context, homeID string) (types.Home, error)
	ListHomes(ctx context.Context) ([]types.Home, error)
	CreateHome(ctx context.Context, home types.Home) error
	GetUser(ctx context.Context, userID string) (types.User, error)
	SetUserSecret(ctx context.Context, userID, secret string) error

	// Lifecycle
	Close() error
}

// Configured sets up the Store provider based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, memory)")
	timeout := lflag.Duration("store-timeout", 10*time.Second, "Timeout for each store round trip")

	var p struct{ Store }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			fs.timeout = *timeout
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Store = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "memory":
			p.Store = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
