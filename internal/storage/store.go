package storage

import (
	"context"
	"sync"
	"time"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// Store defines persistence for offers, schedules, users and join
// requests. The recommender never sees this interface; handlers use it to
// assemble pre-resolved candidate pools.
type Store interface {
	SaveUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	SaveOffer(ctx context.Context, o *models.RideOffer) error
	GetOffer(ctx context.Context, id string) (*models.RideOffer, error)
	UpdateOffer(ctx context.Context, o *models.RideOffer) error
	DeleteOffer(ctx context.Context, id string) error
	// OffersOn returns every published offer for a calendar date, with the
	// driver summary and capacity fallback already resolved.
	OffersOn(ctx context.Context, date time.Time) ([]models.RideOffer, error)
	RidesForUser(ctx context.Context, userID string) ([]models.RideOffer, error)

	UpsertSchedule(ctx context.Context, driverID string, slots []models.AvailabilitySlot) error
	// DriverSchedules returns all weekly schedules pre-resolved for
	// scoring: driver name, declared vehicle seats and active ride
	// attached.
	DriverSchedules(ctx context.Context) ([]models.DriverSchedule, error)
	RiderSlotCount(ctx context.Context, riderID string) (int, error)

	SaveRequest(ctx context.Context, r *models.JoinRequest) error
	GetRequest(ctx context.Context, id string) (*models.JoinRequest, error)
	UpdateRequest(ctx context.Context, r *models.JoinRequest) error
	RequestsForUser(ctx context.Context, userID string, incoming bool) ([]models.JoinRequest, error)
}

// MemoryStore backs local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	offers    map[string]*models.RideOffer
	schedules map[string]*memSchedule // by driver id
	requests  map[string]*models.JoinRequest
	active    map[string]string // driver id -> active offer id
}

type memSchedule struct {
	id    string
	slots []models.AvailabilitySlot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*models.User),
		offers:    make(map[string]*models.RideOffer),
		schedules: make(map[string]*memSchedule),
		requests:  make(map[string]*models.JoinRequest),
		active:    make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	m.active[o.DriverID] = o.ID
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOffer(_ context.Context, o *models.RideOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteOffer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.ErrNotFound
	}
	delete(m.offers, id)
	if m.active[o.DriverID] == id {
		delete(m.active, o.DriverID)
	}
	return nil
}

func (m *MemoryStore) OffersOn(_ context.Context, date time.Time) ([]models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	y, mo, d := date.Date()
	var out []models.RideOffer
	for _, o := range m.offers {
		oy, om, od := o.Date.Date()
		if oy != y || om != mo || od != d {
			continue
		}
		cp := *o
		m.resolveCapacity(&cp)
		out = append(out, cp)
	}
	return out, nil
}

// resolveCapacity applies the driver's declared vehicle seats when the
// offer itself carries no capacity. Callers hold at least a read lock.
func (m *MemoryStore) resolveCapacity(o *models.RideOffer) {
	if o.CapacityTotal > 0 {
		return
	}
	if u, ok := m.users[o.DriverID]; ok && u.Vehicle != nil {
		o.CapacityTotal = u.Vehicle.Seats
		o.DriverName = u.FirstName + " " + u.LastName
	}
}

func (m *MemoryStore) RidesForUser(_ context.Context, userID string) ([]models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideOffer
	for _, o := range m.offers {
		if o.DriverID == userID {
			out = append(out, *o)
			continue
		}
		for _, r := range o.RiderIDs {
			if r == userID {
				out = append(out, *o)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertSchedule(_ context.Context, driverID string, slots []models.AvailabilitySlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[driverID]
	if !ok {
		s = &memSchedule{id: "sched-" + driverID}
		m.schedules[driverID] = s
	}
	s.slots = append([]models.AvailabilitySlot(nil), slots...)
	return nil
}

func (m *MemoryStore) DriverSchedules(_ context.Context) ([]models.DriverSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverSchedule, 0, len(m.schedules))
	for driverID, s := range m.schedules {
		ds := models.DriverSchedule{
			ScheduleID: s.id,
			DriverID:   driverID,
			Slots:      append([]models.AvailabilitySlot(nil), s.slots...),
		}
		if u, ok := m.users[driverID]; ok {
			ds.DriverName = u.FirstName + " " + u.LastName
			if u.Vehicle != nil {
				ds.VehicleSeats = u.Vehicle.Seats
			}
		}
		if rideID, ok := m.active[driverID]; ok {
			if o, ok := m.offers[rideID]; ok {
				cp := *o
				ds.ActiveRide = &cp
			}
		}
		out = append(out, ds)
	}
	return out, nil
}

func (m *MemoryStore) RiderSlotCount(_ context.Context, riderID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[riderID]
	if !ok {
		return 0, nil
	}
	return len(s.slots), nil
}

func (m *MemoryStore) SaveRequest(_ context.Context, r *models.JoinRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.JoinRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, r *models.JoinRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) RequestsForUser(_ context.Context, userID string, incoming bool) ([]models.JoinRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.JoinRequest
	for _, r := range m.requests {
		if incoming && r.ReceiverID == userID || !incoming && r.SenderID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}
