package models

import "time"

// Coord is a WGS84 point in decimal degrees. The JSON field is "long"
// because that is what the mobile and web clients already send.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"long"`
}

// Valid reports whether the point is inside the usual lat/lon ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Mode string

const (
	ModeRides     Mode = "rides"
	ModeSchedules Mode = "schedules"
)

func (m Mode) Valid() bool { return m == ModeRides || m == ModeSchedules }

// TripQuery is a rider's desired trip, the input to the recommender.
// It is never persisted.
type TripQuery struct {
	RiderID     string    `json:"riderId"`
	Date        time.Time `json:"date"`
	StartTime   string    `json:"startTime"` // "HH:MM"
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
	Mode        Mode      `json:"mode"`
	Explain     bool      `json:"explain,omitempty"`
}

type VehicleInfo struct {
	Seats int    `json:"seatsAvailable"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Year  string `json:"year,omitempty"`
}

type User struct {
	ID        string       `json:"id"`
	Email     string       `json:"email"`
	FirstName string       `json:"firstName"`
	LastName  string       `json:"lastName"`
	Vehicle   *VehicleInfo `json:"vehicleInfo,omitempty"`
	PushToken string       `json:"-"`
}

// RideOffer is a single-date ride a driver has published.
// Origin/Destination are pointers: legacy documents exist without a route.
type RideOffer struct {
	ID            string    `json:"id"`
	DriverID      string    `json:"driverId"`
	DriverName    string    `json:"driverName,omitempty"`
	Origin        *Coord    `json:"origin"`
	Destination   *Coord    `json:"destination"`
	Date          time.Time `json:"date"`
	StartTime     string    `json:"startTime"` // "HH:MM"
	EndTime       string    `json:"endTime,omitempty"`
	CapacityTotal int       `json:"capacityTotal"`
	CapacityUsed  int       `json:"capacityUsed"`
	RiderIDs      []string  `json:"riderIds,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// SeatsLeft never goes negative even when overbooked data slips in.
func (o RideOffer) SeatsLeft() int {
	if left := o.CapacityTotal - o.CapacityUsed; left > 0 {
		return left
	}
	return 0
}

// AvailabilitySlot is one recurring weekly commitment inside a driver's
// schedule. Route fields are optional; a slot without a route is scored
// against the driver's active ride when one exists.
type AvailabilitySlot struct {
	Weekday     time.Weekday `json:"weekday"`
	StartTime   string       `json:"startTime"` // "HH:MM"
	EndTime     string       `json:"endTime"`   // "HH:MM"
	Origin      *Coord       `json:"origin,omitempty"`
	Destination *Coord       `json:"destination,omitempty"`
}

// DriverSchedule is a driver's weekly availability, pre-resolved by the
// storage layer: the driver summary, declared vehicle seats (0 = unknown)
// and the active ride fallback are already attached so scoring stays free
// of lookups.
type DriverSchedule struct {
	ScheduleID   string             `json:"scheduleId"`
	DriverID     string             `json:"driverId"`
	DriverName   string             `json:"driverName,omitempty"`
	VehicleSeats int                `json:"vehicleSeats"`
	Slots        []AvailabilitySlot `json:"slots"`
	ActiveRide   *RideOffer         `json:"activeRide,omitempty"`
}

type CandidateKind string

const (
	KindRide           CandidateKind = "ride"
	KindDriverSchedule CandidateKind = "driver_schedule"
)

// Candidate is one scored recommendation. Candidates are synthesized per
// request and never persisted.
type Candidate struct {
	ID          string        `json:"id"`
	Kind        CandidateKind `json:"kind"`
	DriverRef   string        `json:"driverRef"`
	DriverName  string        `json:"driverName,omitempty"`
	Origin      *Coord        `json:"origin"`
	Destination *Coord        `json:"destination,omitempty"`
	StartTime   string        `json:"startTime"`
	EndTime     string        `json:"endTime,omitempty"`
	SeatsLeft   *int          `json:"seatsLeft"` // nil when capacity is unknown
	Score       float64       `json:"score"`
	Diagnostics *Diagnostics  `json:"diagnostics,omitempty"`
}

// Diagnostics carries the raw per-candidate factors, surfaced only when the
// caller opts into explain mode.
type Diagnostics struct {
	TimeDeltaMinutes int     `json:"timeDeltaMinutes"`
	StartDistanceKm  float64 `json:"startDistanceKm"`
	EndDistanceKm    float64 `json:"endDistanceKm"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// JoinRequest is a rider asking a specific driver for a seat on a ride.
type JoinRequest struct {
	ID          string        `json:"id"`
	RideID      string        `json:"rideId"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Origin      Coord         `json:"origin"`
	Destination Coord         `json:"destination"`
	Date        time.Time     `json:"date"`
	StartTime   string        `json:"startTime"`
	Status      RequestStatus `json:"status"`
	PaymentHold string        `json:"-"` // stripe payment intent id, if any
	CreatedAt   time.Time     `json:"createdAt"`
}
