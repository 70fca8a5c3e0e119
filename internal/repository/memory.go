package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/langchou/safedrive/internal/models"
)

// memoryDB 不接数据库时使用的内存存储，开发与测试用
type memoryDB struct {
	mu sync.RWMutex

	devices   map[string]models.Device
	drivers   map[string]models.Driver
	bindings  []models.Binding
	events    map[string]models.Event
	statuses  []models.StatusSample
	fixes     []models.GpsFix
	trips     map[string]models.Trip
	bindingID int64
	fixID     int64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *Store {
	db := &memoryDB{
		devices: map[string]models.Device{},
		drivers: map[string]models.Driver{},
		events:  map[string]models.Event{},
		trips:   map[string]models.Trip{},
	}
	return &Store{
		Devices:  memoryDevices{db},
		Drivers:  memoryDrivers{db},
		Bindings: memoryBindings{db},
		Events:   memoryEvents{db},
		Statuses: memoryStatuses{db},
		Gps:      memoryGps{db},
		Trips:    memoryTrips{db},
	}
}

func within(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

func withinHalfOpen(ts, start, end time.Time) bool {
	return !ts.Before(start) && ts.Before(end)
}

type memoryDevices struct{ db *memoryDB }

func (r memoryDevices) Touch(_ context.Context, deviceID string, seenAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	d, ok := r.db.devices[deviceID]
	if !ok {
		d = models.Device{DeviceID: deviceID, FirstSeen: seenAt, LastSeen: seenAt}
	}
	if seenAt.After(d.LastSeen) {
		d.LastSeen = seenAt
	}
	d.Status = models.DeviceOnline
	r.db.devices[deviceID] = d
	return nil
}

func (r memoryDevices) Get(_ context.Context, deviceID string) (*models.Device, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	d, ok := r.db.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r memoryDevices) List(_ context.Context) ([]*models.Device, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.db.devices))
	for _, d := range r.db.devices {
		if d.RetiredAt != nil {
			continue
		}
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r memoryDevices) MarkOffline(_ context.Context, before time.Time) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var ids []string
	for id, d := range r.db.devices {
		if d.Status == models.DeviceOnline && d.LastSeen.Before(before) && d.RetiredAt == nil {
			d.Status = models.DeviceOffline
			r.db.devices[id] = d
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type memoryDrivers struct{ db *memoryDB }

func (r memoryDrivers) Create(_ context.Context, d *models.Driver) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.drivers[d.DriverID]; ok {
		return ErrAlreadyExists
	}
	d.CreatedAt = time.Now()
	r.db.drivers[d.DriverID] = *d
	return nil
}

func (r memoryDrivers) Get(_ context.Context, driverID string) (*models.Driver, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	d, ok := r.db.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r memoryDrivers) List(_ context.Context) ([]*models.Driver, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make([]*models.Driver, 0, len(r.db.drivers))
	for _, d := range r.db.drivers {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

type memoryBindings struct{ db *memoryDB }

func (r memoryBindings) Active(_ context.Context, deviceID string) (*models.Binding, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	for _, b := range r.db.bindings {
		if b.DeviceID == deviceID && b.UnboundAt == nil {
			b := b
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (r memoryBindings) Bind(_ context.Context, deviceID, driverID string, at time.Time) (*models.Binding, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.closeActive(deviceID, at)
	r.db.bindingID++
	b := models.Binding{ID: r.db.bindingID, DeviceID: deviceID, DriverID: driverID, BoundAt: at}
	r.db.bindings = append(r.db.bindings, b)
	return &b, nil
}

func (r memoryBindings) Unbind(_ context.Context, deviceID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if !r.closeActive(deviceID, at) {
		return ErrNotFound
	}
	return nil
}

func (r memoryBindings) closeActive(deviceID string, at time.Time) bool {
	closed := false
	for i := range r.db.bindings {
		if r.db.bindings[i].DeviceID == deviceID && r.db.bindings[i].UnboundAt == nil {
			t := at
			r.db.bindings[i].UnboundAt = &t
			closed = true
		}
	}
	return closed
}

type memoryEvents struct{ db *memoryDB }

func (r memoryEvents) Insert(_ context.Context, e *models.Event) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.events[e.EventID]; ok {
		return false, nil
	}
	e.CreatedAt = time.Now()
	r.db.events[e.EventID] = *e
	return true, nil
}

func (r memoryEvents) Get(_ context.Context, eventID string) (*models.Event, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	e, ok := r.db.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (r memoryEvents) filter(keep func(models.Event) bool) []models.Event {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []models.Event
	for _, e := range r.db.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func (r memoryEvents) ListByDevice(_ context.Context, deviceID string, start, end time.Time) ([]models.Event, error) {
	return r.filter(func(e models.Event) bool {
		return e.DeviceID == deviceID && within(e.Timestamp, start, end)
	}), nil
}

func (r memoryEvents) ListByDriver(_ context.Context, driverID string, start, end time.Time) ([]models.Event, error) {
	return r.filter(func(e models.Event) bool {
		return e.DriverID != nil && *e.DriverID == driverID && withinHalfOpen(e.Timestamp, start, end)
	}), nil
}

func (r memoryEvents) ListInWindow(_ context.Context, start, end time.Time) ([]models.Event, error) {
	return r.filter(func(e models.Event) bool { return withinHalfOpen(e.Timestamp, start, end) }), nil
}

func (r memoryEvents) DriversWithEvents(_ context.Context, start, end time.Time) ([]string, error) {
	seen := map[string]struct{}{}
	for _, e := range r.filter(func(e models.Event) bool {
		return e.DriverID != nil && withinHalfOpen(e.Timestamp, start, end)
	}) {
		seen[*e.DriverID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r memoryEvents) PendingGeocode(_ context.Context, maxAttempts int, createdBefore time.Time, limit int) ([]models.Event, error) {
	out := r.filter(func(e models.Event) bool {
		return e.Address == nil && e.HasLocation() && e.GeocodeAttempts < maxAttempts && e.CreatedAt.Before(createdBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryEvents) SetAddress(_ context.Context, eventID, address, region string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, ok := r.db.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.Address, e.Region = &address, &region
	e.GeocodeAttempts++
	r.db.events[eventID] = e
	return nil
}

func (r memoryEvents) MarkGeocodeFailed(_ context.Context, eventID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, ok := r.db.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.GeocodeAttempts++
	r.db.events[eventID] = e
	return nil
}

type memoryStatuses struct{ db *memoryDB }

func (r memoryStatuses) Insert(_ context.Context, s *models.StatusSample) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.statuses = append(r.db.statuses, *s)
	return nil
}

func (r memoryStatuses) ListByDevice(_ context.Context, deviceID string, start, end time.Time) ([]models.StatusSample, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []models.StatusSample
	for _, s := range r.db.statuses {
		if s.DeviceID == deviceID && within(s.Timestamp, start, end) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type memoryGps struct{ db *memoryDB }

func (r memoryGps) Insert(_ context.Context, f *models.GpsFix) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.fixID++
	f.ID = r.db.fixID
	r.db.fixes = append(r.db.fixes, *f)
	return nil
}

func (r memoryGps) filter(keep func(models.GpsFix) bool) []models.GpsFix {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []models.GpsFix
	for _, f := range r.db.fixes {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r memoryGps) ListByDevice(_ context.Context, deviceID string, start, end time.Time) ([]models.GpsFix, error) {
	return r.filter(func(f models.GpsFix) bool {
		return f.DeviceID == deviceID && within(f.Timestamp, start, end)
	}), nil
}

func (r memoryGps) ListByDriver(_ context.Context, driverID string, start, end time.Time) ([]models.GpsFix, error) {
	return r.filter(func(f models.GpsFix) bool {
		return f.DriverID != nil && *f.DriverID == driverID && withinHalfOpen(f.Timestamp, start, end)
	}), nil
}

func (r memoryGps) ListByTrip(_ context.Context, tripID string) ([]models.GpsFix, error) {
	return r.filter(func(f models.GpsFix) bool { return f.TripID != nil && *f.TripID == tripID }), nil
}

func (r memoryGps) BackfillTripID(_ context.Context, deviceID string, start, end time.Time, tripID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.backfill(deviceID, start, end, tripID), nil
}

func (r memoryGps) DevicesWithUnassigned(_ context.Context, start, end time.Time) ([]string, error) {
	seen := map[string]struct{}{}
	for _, f := range r.filter(func(f models.GpsFix) bool {
		return f.TripID == nil && withinHalfOpen(f.Timestamp, start, end)
	}) {
		seen[f.DeviceID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// backfill 调用方持有写锁
func (db *memoryDB) backfill(deviceID string, start, end time.Time, tripID string) int64 {
	var n int64
	for i := range db.fixes {
		f := &db.fixes[i]
		if f.DeviceID == deviceID && f.TripID == nil && within(f.Timestamp, start, end) {
			id := tripID
			f.TripID = &id
			n++
		}
	}
	return n
}

type memoryTrips struct{ db *memoryDB }

func (r memoryTrips) Create(_ context.Context, t *models.Trip) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if t.Status == models.TripOngoing {
		for _, existing := range r.db.trips {
			if existing.DeviceID == t.DeviceID && existing.Status == models.TripOngoing {
				return ErrOngoingExists
			}
		}
	}
	if _, ok := r.db.trips[t.TripID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	r.db.trips[t.TripID] = *t
	return nil
}

func (r memoryTrips) Update(_ context.Context, t *models.Trip) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	existing, ok := r.db.trips[t.TripID]
	if !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now()
	// 地址与补全次数只由 SetAddresses / MarkGeocodeFailed 维护
	t.StartAddress, t.EndAddress = existing.StartAddress, existing.EndAddress
	t.GeocodeAttempts = existing.GeocodeAttempts
	r.db.trips[t.TripID] = *t
	if t.EndTime != nil {
		r.db.backfill(t.DeviceID, t.StartTime, *t.EndTime, t.TripID)
	}
	return nil
}

func (r memoryTrips) Get(_ context.Context, tripID string) (*models.Trip, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	t, ok := r.db.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r memoryTrips) filter(keep func(models.Trip) bool) []models.Trip {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []models.Trip
	for _, t := range r.db.trips {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (r memoryTrips) Ongoing(_ context.Context, deviceID string) (*models.Trip, error) {
	trips := r.filter(func(t models.Trip) bool { return t.DeviceID == deviceID && t.Status == models.TripOngoing })
	if len(trips) == 0 {
		return nil, ErrNotFound
	}
	return &trips[0], nil
}

func (r memoryTrips) ListOngoing(_ context.Context) ([]models.Trip, error) {
	return r.filter(func(t models.Trip) bool { return t.Status == models.TripOngoing }), nil
}

func (r memoryTrips) LastEnded(_ context.Context, deviceID string, before time.Time) (*models.Trip, error) {
	trips := r.filter(func(t models.Trip) bool {
		return t.DeviceID == deviceID && t.EndTime != nil && !t.EndTime.After(before)
	})
	if len(trips) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].EndTime.After(*trips[j].EndTime) })
	return &trips[0], nil
}

func (r memoryTrips) ListByDevice(_ context.Context, deviceID string, start, end time.Time) ([]models.Trip, error) {
	return r.filter(func(t models.Trip) bool {
		return t.DeviceID == deviceID && !t.StartTime.After(end) && (t.EndTime == nil || !t.EndTime.Before(start))
	}), nil
}

func (r memoryTrips) ListByDriver(_ context.Context, driverID string, start, end time.Time, limit, offset int) ([]models.Trip, int64, error) {
	trips := r.filter(func(t models.Trip) bool {
		return t.DriverID != nil && *t.DriverID == driverID && withinHalfOpen(t.StartTime, start, end)
	})
	sort.Slice(trips, func(i, j int) bool { return trips[i].StartTime.After(trips[j].StartTime) })

	total := int64(len(trips))
	if offset >= len(trips) {
		return []models.Trip{}, total, nil
	}
	trips = trips[offset:]
	if limit > 0 && len(trips) > limit {
		trips = trips[:limit]
	}
	return trips, total, nil
}

func (r memoryTrips) SetAddresses(_ context.Context, tripID string, startAddress, endAddress *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	t, ok := r.db.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if startAddress != nil {
		t.StartAddress = startAddress
	}
	if endAddress != nil {
		t.EndAddress = endAddress
	}
	r.db.trips[tripID] = t
	return nil
}

func (r memoryTrips) PendingAddresses(_ context.Context, maxAttempts int, updatedBefore time.Time, limit int) ([]models.Trip, error) {
	out := r.filter(func(t models.Trip) bool {
		if t.GeocodeAttempts >= maxAttempts || !t.UpdatedAt.Before(updatedBefore) {
			return false
		}
		endMissing := t.Status == models.TripCompleted && t.EndAddress == nil && t.EndLatitude != nil && t.EndLongitude != nil
		return t.StartAddress == nil || endMissing
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryTrips) MarkGeocodeFailed(_ context.Context, tripID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	t, ok := r.db.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.GeocodeAttempts++
	r.db.trips[tripID] = t
	return nil
}
