package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	homesCollection   = "Homes"
	usersCollection   = "Users"
	devicesCollection = "devices"
	scenesCollection  = "scenes"
	// per-device consumption documents live under the device
	consumptionCollection = "energyConsumption"
	// home-level aggregates live directly under the home
	recordsCollection = "energyRecords"
)

// FirestoreStore implements the Store interface using Google Cloud Firestore.
// Documents are addressed as
// Homes/{home}/devices/{device}/energyConsumption/{daily|monthly|yearly} and
// Homes/{home}/energyRecords/{daily|monthly|yearly}.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
	timeout   time.Duration
}

// configuredFirestore sets up the Firestore store.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the store is properly configured.
func (f *FirestoreStore) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// classify maps transport-level failures and timeouts to ErrStoreUnavailable.
// Every other status is surfaced unmodified to the caller.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func (f *FirestoreStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.timeout)
}

func (f *FirestoreStore) homeRef(homeID string) *firestore.DocumentRef {
	return f.client.Collection(homesCollection).Doc(homeID)
}

func (f *FirestoreStore) deviceRef(homeID, deviceID string) *firestore.DocumentRef {
	return f.homeRef(homeID).Collection(devicesCollection).Doc(deviceID)
}

func (f *FirestoreStore) consumptionRef(scope types.Scope, g types.Granularity) *firestore.DocumentRef {
	if scope.DeviceLevel() {
		return f.deviceRef(scope.HomeID, scope.DeviceID).Collection(consumptionCollection).Doc(string(g))
	}
	return f.homeRef(scope.HomeID).Collection(recordsCollection).Doc(string(g))
}

// GetDevice retrieves one device from the home's registry.
func (f *FirestoreStore) GetDevice(ctx context.Context, homeID, deviceID string) (types.Device, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	snap, err := f.deviceRef(homeID, deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return types.Device{}, fmt.Errorf("failed to get device %s: %w", deviceID, classify(err))
	}
	var d types.Device
	if err := snap.DataTo(&d); err != nil {
		return types.Device{}, fmt.Errorf("failed to decode device %s: %w", deviceID, err)
	}
	d.ID = deviceID
	d.HomeID = homeID
	return d, nil
}

// ListDevices retrieves all devices registered to a home.
func (f *FirestoreStore) ListDevices(ctx context.Context, homeID string) ([]types.Device, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	iter := f.homeRef(homeID).Collection(devicesCollection).Documents(ctx)
	defer iter.Stop()

	var devices []types.Device
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating devices: %w", classify(err))
		}
		var d types.Device
		if err := snap.DataTo(&d); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed device doc",
				slog.String("homeID", homeID), slog.String("deviceID", snap.Ref.ID), slog.Any("err", err))
			continue
		}
		d.ID = snap.Ref.ID
		d.HomeID = homeID
		devices = append(devices, d)
	}
	return devices, nil
}

// CreateDevice registers a new device document.
func (f *FirestoreStore) CreateDevice(ctx context.Context, device types.Device) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	if _, err := f.deviceRef(device.HomeID, device.ID).Create(ctx, device); err != nil {
		return fmt.Errorf("failed to create device %s: %w", device.ID, classify(err))
	}
	return nil
}

// DeleteDevice removes the device document and its consumption sub-records.
func (f *FirestoreStore) DeleteDevice(ctx context.Context, homeID, deviceID string) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	ref := f.deviceRef(homeID, deviceID)
	for _, g := range []types.Granularity{types.GranularityDaily, types.GranularityMonthly, types.GranularityYearly} {
		if _, err := ref.Collection(consumptionCollection).Doc(string(g)).Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete %s consumption for device %s: %w", g, deviceID, classify(err))
		}
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, classify(err))
	}
	return nil
}

// SetDeviceStatus persists the device's on/off status.
func (f *FirestoreStore) SetDeviceStatus(ctx context.Context, homeID, deviceID string, deviceStatus bool) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	_, err := f.deviceRef(homeID, deviceID).Update(ctx, []firestore.Update{
		{Path: "status", Value: deviceStatus},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return fmt.Errorf("failed to set status for device %s: %w", deviceID, classify(err))
	}
	return nil
}

// SetOpenSession persists the device's open-session start, the first-class
// "is a session open" state. An empty start deletes the field.
func (f *FirestoreStore) SetOpenSession(ctx context.Context, homeID, deviceID, start string) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	value := interface{}(start)
	if start == "" {
		value = firestore.Delete
	}
	_, err := f.deviceRef(homeID, deviceID).Update(ctx, []firestore.Update{
		{Path: "openSessionStart", Value: value},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return fmt.Errorf("failed to set open session for device %s: %w", deviceID, classify(err))
	}
	return nil
}

// SetDeviceTemperature persists the target temperature of a device.
func (f *FirestoreStore) SetDeviceTemperature(ctx context.Context, homeID, deviceID string, value float64) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	_, err := f.deviceRef(homeID, deviceID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"temperature", "value"}, Value: value},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return fmt.Errorf("failed to set temperature for device %s: %w", deviceID, classify(err))
	}
	return nil
}

// GetConsumption retrieves a consumption document for a scope.
// An absent document decodes to an empty one; it is never a not-found error.
func (f *FirestoreStore) GetConsumption(ctx context.Context, scope types.Scope, g types.Granularity) (types.ConsumptionDoc, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	snap, err := f.consumptionRef(scope, g).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ConsumptionDoc{}, nil
		}
		return nil, fmt.Errorf("failed to get %s consumption: %w", g, classify(err))
	}
	return decodeConsumptionDoc(snap.Data()), nil
}

// AppendSession union-appends a session to the device-daily entry for dayKey,
// creating the document if absent.
func (f *FirestoreStore) AppendSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	ref := f.consumptionRef(types.Scope{HomeID: homeID, DeviceID: deviceID}, types.GranularityDaily)
	_, err := ref.Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{dayKey, "sessions"}, Value: firestore.ArrayUnion(sessionValue(s))},
	})
	if status.Code(err) == codes.NotFound {
		// first session for this device: create the document
		_, err = ref.Set(ctx, map[string]interface{}{
			dayKey: map[string]interface{}{
				"sessions": []interface{}{sessionValue(s)},
			},
		})
	}
	if err != nil {
		return fmt.Errorf("failed to append session for %s: %w", dayKey, classify(err))
	}
	return nil
}

// RemoveSession removes one exact matching session from the device-daily
// entry for dayKey. Removing from an absent document is a no-op.
func (f *FirestoreStore) RemoveSession(ctx context.Context, homeID, deviceID, dayKey string, s types.Session) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	ref := f.consumptionRef(types.Scope{HomeID: homeID, DeviceID: deviceID}, types.GranularityDaily)
	_, err := ref.Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{dayKey, "sessions"}, Value: firestore.ArrayRemove(sessionValue(s))},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove session for %s: %w", dayKey, classify(err))
	}
	return nil
}

// ApplySegment applies one settled day segment to all six affected entries
// in a single Firestore transaction: the device daily/monthly/yearly and
// home daily/monthly/yearly documents. The device-daily entry's stamp is the
// retry authority: the transaction commits all six entries together, so a
// matching stamp there means the segment already landed and the whole apply
// is a no-op.
func (f *FirestoreStore) ApplySegment(ctx context.Context, homeID, deviceID string, seg types.Segment) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()

	deviceScope := types.Scope{HomeID: homeID, DeviceID: deviceID}
	homeScope := types.Scope{HomeID: homeID}

	targets := []struct {
		ref         *firestore.DocumentRef
		periodKey   string
		withSession bool
	}{
		{f.consumptionRef(deviceScope, types.GranularityDaily), seg.DayKey, true},
		{f.consumptionRef(deviceScope, types.GranularityMonthly), seg.MonthKey, false},
		{f.consumptionRef(deviceScope, types.GranularityYearly), seg.YearKey, false},
		{f.consumptionRef(homeScope, types.GranularityDaily), seg.DayKey, false},
		{f.consumptionRef(homeScope, types.GranularityMonthly), seg.MonthKey, false},
		{f.consumptionRef(homeScope, types.GranularityYearly), seg.YearKey, false},
	}

	err := f.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// all reads must happen before any write
		entries := make([]types.PeriodEntry, len(targets))
		for i, tgt := range targets {
			snap, err := tx.Get(tgt.ref)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				entries[i] = decodeConsumptionDoc(snap.Data())[tgt.periodKey]
			}
		}

		// only the device-daily stamp decides whether this is a retry of a
		// committed apply: home-level entries are shared across devices, so
		// their stamps can be overwritten by another settlement in between
		if entries[0].LastSegmentID == seg.ID {
			return nil
		}

		for i, tgt := range targets {
			entry := entries[i]
			entry.Total = types.RoundKWH(entry.Total + seg.EnergyKWH)
			entry.LastSegmentID = seg.ID
			if tgt.withSession && !containsSession(entry.Sessions, seg.Record) {
				entry.Sessions = append(entry.Sessions, seg.Record)
			}
			if err := tx.Set(tgt.ref, map[string]interface{}{
				tgt.periodKey: entryValue(entry, tgt.withSession),
			}, firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply segment %s: %w", seg.ID, classify(err))
	}
	return nil
}

// GetScene retrieves one scene from the home.
func (f *FirestoreStore) GetScene(ctx context.Context, homeID, sceneID string) (types.Scene, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	snap, err := f.homeRef(homeID).Collection(scenesCollection).Doc(sceneID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Scene{}, fmt.Errorf("%w: %s", ErrSceneNotFound, sceneID)
		}
		return types.Scene{}, fmt.Errorf("failed to get scene %s: %w", sceneID, classify(err))
	}
	var sc types.Scene
	if err := snap.DataTo(&sc); err != nil {
		return types.Scene{}, fmt.Errorf("failed to decode scene %s: %w", sceneID, err)
	}
	sc.ID = sceneID
	sc.HomeID = homeID
	return sc, nil
}

// ListScenes retrieves all scenes defined for a home.
func (f *FirestoreStore) ListScenes(ctx context.Context, homeID string) ([]types.Scene, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	iter := f.homeRef(homeID).Collection(scenesCollection).Documents(ctx)
	defer iter.Stop()

	var scenes []types.Scene
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating scenes: %w", classify(err))
		}
		var sc types.Scene
		if err := snap.DataTo(&sc); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed scene doc",
				slog.String("homeID", homeID), slog.String("sceneID", snap.Ref.ID), slog.Any("err", err))
			continue
		}
		sc.ID = snap.Ref.ID
		sc.HomeID = homeID
		scenes = append(scenes, sc)
	}
	return scenes, nil
}

// PutScene creates or replaces a scene document.
func (f *FirestoreStore) PutScene(ctx context.Context, scene types.Scene) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	if _, err := f.homeRef(scene.HomeID).Collection(scenesCollection).Doc(scene.ID).Set(ctx, scene); err != nil {
		return fmt.Errorf("failed to save scene %s: %w", scene.ID, classify(err))
	}
	return nil
}

// DeleteScene removes a scene document.
func (f *FirestoreStore) DeleteScene(ctx context.Context, homeID, sceneID string) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	if _, err := f.homeRef(homeID).Collection(scenesCollection).Doc(sceneID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete scene %s: %w", sceneID, classify(err))
	}
	return nil
}

// GetHome retrieves a home document.
func (f *FirestoreStore) GetHome(ctx context.Context, homeID string) (types.Home, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	snap, err := f.homeRef(homeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Home{}, fmt.Errorf("%w: %s", ErrHomeNotFound, homeID)
		}
		return types.Home{}, fmt.Errorf("failed to get home %s: %w", homeID, classify(err))
	}
	var h types.Home
	if err := snap.DataTo(&h); err != nil {
		return types.Home{}, fmt.Errorf("failed to decode home %s: %w", homeID, err)
	}
	h.ID = homeID
	return h, nil
}

// ListHomes retrieves every home document. The scene scheduler scans these
// each tick.
func (f *FirestoreStore) ListHomes(ctx context.Context) ([]types.Home, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	iter := f.client.Collection(homesCollection).Documents(ctx)
	defer iter.Stop()

	var homes []types.Home
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating homes: %w", classify(err))
		}
		var h types.Home
		if err := snap.DataTo(&h); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed home doc",
				slog.String("homeID", snap.Ref.ID), slog.Any("err", err))
			continue
		}
		h.ID = snap.Ref.ID
		homes = append(homes, h)
	}
	return homes, nil
}

// CreateHome creates a new home document.
func (f *FirestoreStore) CreateHome(ctx context.Context, home types.Home) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	if _, err := f.homeRef(home.ID).Create(ctx, home); err != nil {
		return fmt.Errorf("failed to create home %s: %w", home.ID, classify(err))
	}
	return nil
}

// GetUser retrieves a user from the Users collection.
func (f *FirestoreStore) GetUser(ctx context.Context, userID string) (types.User, error) {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	snap, err := f.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, classify(err))
	}
	var u types.User
	if err := snap.DataTo(&u); err != nil {
		return types.User{}, fmt.Errorf("failed to decode user %s: %w", userID, err)
	}
	u.ID = userID
	return u, nil
}

// SetUserSecret merges the 2FA secret into the user document, creating it if
// absent.
func (f *FirestoreStore) SetUserSecret(ctx context.Context, userID, secret string) error {
	ctx, cancel := f.opCtx(ctx)
	defer cancel()
	_, err := f.client.Collection(usersCollection).Doc(userID).Set(ctx, map[string]interface{}{
		"secret": secret,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set secret for user %s: %w", userID, classify(err))
	}
	return nil
}

// sessionValue renders a session as the exact document value used for
// ArrayUnion/ArrayRemove matching. Only present fields are stored so an open
// placeholder ({start}) never collides with a closed record.
func sessionValue(s types.Session) map[string]interface{} {
	v := map[string]interface{}{"start": s.Start}
	if s.End != "" {
		v["end"] = s.End
	}
	if s.Energy != 0 {
		v["energy"] = s.Energy
	}
	return v
}

func entryValue(e types.PeriodEntry, withSessions bool) map[string]interface{} {
	v := map[string]interface{}{
		"total":         e.Total,
		"lastSegmentId": e.LastSegmentID,
	}
	if withSessions {
		sessions := make([]interface{}, 0, len(e.Sessions))
		for _, s := range e.Sessions {
			sessions = append(sessions, sessionValue(s))
		}
		v["sessions"] = sessions
	}
	return v
}

func containsSession(sessions []types.Session, s types.Session) bool {
	for _, have := range sessions {
		if have == s {
			return true
		}
	}
	return false
}

func decodeConsumptionDoc(data map[string]interface{}) types.ConsumptionDoc {
	doc := types.ConsumptionDoc{}
	for key, raw := range data {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		doc[key] = decodePeriodEntry(entry)
	}
	return doc
}

func decodePeriodEntry(entry map[string]interface{}) types.PeriodEntry {
	var e types.PeriodEntry
	e.Total = toFloat(entry["total"])
	if id, ok := entry["lastSegmentId"].(string); ok {
		e.LastSegmentID = id
	}
	if raw, ok := entry["sessions"].([]interface{}); ok {
		for _, rs := range raw {
			sm, ok := rs.(map[string]interface{})
			if !ok {
				continue
			}
			var s types.Session
			if start, ok := sm["start"].(string); ok {
				s.Start = start
			}
			if end, ok := sm["end"].(string); ok {
				s.End = end
			}
			s.Energy = toFloat(sm["energy"])
			e.Sessions = append(e.Sessions, s)
		}
	}
	return e
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
