package recommend

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/morallyearlgrey/carpool/internal/logging"
	"github.com/morallyearlgrey/carpool/internal/models"
)

var (
	sfMission = models.Coord{Lat: 37.77, Lon: -122.42}
	sfSoma    = models.Coord{Lat: 37.79, Lon: -122.39}
	oakland   = models.Coord{Lat: 37.80, Lon: -122.27}
	nyc       = models.Coord{Lat: 40.71, Lon: -74.00}
)

// 2024-06-03 is a Monday; 2024-06-01 is a Saturday.
var saturday = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
var monday = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func testService() *Service {
	return NewService(DefaultConfig(), logging.Discard())
}

func ridesQuery() models.TripQuery {
	return models.TripQuery{
		RiderID:     "rider-1",
		Date:        saturday,
		StartTime:   "08:30",
		Origin:      sfMission,
		Destination: sfSoma,
		Mode:        models.ModeRides,
	}
}

func offer(id string, o, d *models.Coord, start string, total, used int) models.RideOffer {
	return models.RideOffer{
		ID:            id,
		DriverID:      "driver-" + id,
		Origin:        o,
		Destination:   d,
		Date:          saturday,
		StartTime:     start,
		CapacityTotal: total,
		CapacityUsed:  used,
	}
}

func TestExactMatchScoresNearMaximum(t *testing.T) {
	svc := testService()
	pools := Pools{Offers: []models.RideOffer{offer("r1", &sfMission, &sfSoma, "08:30", 4, 2)}}

	res, err := svc.Recommend(ridesQuery(), pools)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
	}
	c := res.Candidates[0]
	// distance and time terms saturated: 0.5 + 0.2 + 0.2 + 0.1*(2/4)
	want := 0.95
	if math.Abs(c.Score-want) > 1e-9 {
		t.Fatalf("score = %f, want %f", c.Score, want)
	}
	if c.Kind != models.KindRide || c.DriverRef != "driver-r1" {
		t.Fatalf("unexpected candidate %+v", c)
	}
	if c.SeatsLeft == nil || *c.SeatsLeft != 2 {
		t.Fatalf("seatsLeft = %v, want 2", c.SeatsLeft)
	}
}

func TestFullRideStaysListedButScoresLower(t *testing.T) {
	svc := testService()
	free := offer("free", &sfMission, &sfSoma, "08:30", 4, 2)
	full := offer("full", &sfMission, &sfSoma, "08:30", 4, 4)

	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{full, free}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected full ride to stay in the list, got %d candidates", len(res.Candidates))
	}
	if res.Candidates[0].ID != "free" {
		t.Fatalf("expected the ride with free seats first, got %s", res.Candidates[0].ID)
	}
	if res.Candidates[1].Score >= res.Candidates[0].Score {
		t.Fatalf("full ride should score strictly lower: %f vs %f",
			res.Candidates[1].Score, res.Candidates[0].Score)
	}
}

func TestCloserStartNeverScoresWorse(t *testing.T) {
	svc := testService()
	near := offer("near", &sfMission, &sfSoma, "08:30", 4, 0)
	far := offer("far", &oakland, &sfSoma, "08:30", 4, 0)

	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{far, near}})
	if err != nil {
		t.Fatal(err)
	}
	var nearScore, farScore float64
	for _, c := range res.Candidates {
		switch c.ID {
		case "near":
			nearScore = c.Score
		case "far":
			farScore = c.Score
		}
	}
	if nearScore < farScore {
		t.Fatalf("closer start scored worse: near=%f far=%f", nearScore, farScore)
	}
}

func TestOfferWithoutOriginIsSkipped(t *testing.T) {
	svc := testService()
	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{
		offer("no-origin", nil, &sfSoma, "08:30", 4, 0),
		offer("ok", &sfMission, &sfSoma, "08:30", 4, 0),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].ID != "ok" {
		t.Fatalf("expected only 'ok', got %+v", res.Candidates)
	}
}

func TestMissingDestinationTakesPenaltyNotExclusion(t *testing.T) {
	svc := testService()
	withDest := offer("with", &sfMission, &sfSoma, "08:30", 4, 0)
	noDest := offer("without", &sfMission, nil, "08:30", 4, 0)

	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{noDest, withDest}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("route-less offer should stay listed, got %d", len(res.Candidates))
	}
	if res.Candidates[0].ID != "with" {
		t.Fatalf("offer with a real destination should outrank the penalized one")
	}
}

func TestWrongDateOffersIgnored(t *testing.T) {
	svc := testService()
	o := offer("r1", &sfMission, &sfSoma, "08:30", 4, 0)
	o.Date = monday
	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{o}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoMatches || len(res.Candidates) != 0 {
		t.Fatalf("expected no matches, got %+v", res)
	}
}

func TestNoMatchesIsNotAnError(t *testing.T) {
	svc := testService()
	res, err := svc.Recommend(ridesQuery(), Pools{})
	if err != nil {
		t.Fatalf("empty pool must not error: %v", err)
	}
	if !res.NoMatches {
		t.Fatal("expected NoMatches indicator")
	}
	if res.Candidates == nil || len(res.Candidates) != 0 {
		t.Fatalf("expected empty non-nil candidate list, got %#v", res.Candidates)
	}
}

func TestBoundedSortedOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResults = 5
	svc := NewService(cfg, logging.Discard())

	offers := make([]models.RideOffer, 0, 30)
	for i := 0; i < 30; i++ {
		org := models.Coord{Lat: sfMission.Lat + float64(i)*0.01, Lon: sfMission.Lon}
		offers = append(offers, offer(fmt.Sprintf("r%02d", i), &org, &sfSoma, "08:30", 4, 0))
	}
	res, err := svc.Recommend(ridesQuery(), Pools{Offers: offers})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(res.Candidates))
	}
	for i := 1; i < len(res.Candidates); i++ {
		if res.Candidates[i].Score > res.Candidates[i-1].Score {
			t.Fatalf("not sorted descending at %d", i)
		}
	}
}

func TestExplainFillsDiagnostics(t *testing.T) {
	svc := testService()
	q := ridesQuery()
	q.Explain = true
	res, err := svc.Recommend(q, Pools{Offers: []models.RideOffer{offer("r1", &sfMission, &sfSoma, "09:00", 4, 0)}})
	if err != nil {
		t.Fatal(err)
	}
	d := res.Candidates[0].Diagnostics
	if d == nil {
		t.Fatal("expected diagnostics in explain mode")
	}
	if d.TimeDeltaMinutes != 30 {
		t.Fatalf("timeDelta = %d, want 30", d.TimeDeltaMinutes)
	}

	q.Explain = false
	res, err = svc.Recommend(q, Pools{Offers: []models.RideOffer{offer("r1", &sfMission, &sfSoma, "09:00", 4, 0)}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates[0].Diagnostics != nil {
		t.Fatal("diagnostics must be absent without explain")
	}
}

func TestInvalidQueryRejectedBeforeScoring(t *testing.T) {
	svc := testService()
	cases := map[string]func(*models.TripQuery){
		"missing rider":  func(q *models.TripQuery) { q.RiderID = "" },
		"bad mode":       func(q *models.TripQuery) { q.Mode = "teleport" },
		"zero date":      func(q *models.TripQuery) { q.Date = time.Time{} },
		"no start time":  func(q *models.TripQuery) { q.StartTime = "" },
		"bad origin":     func(q *models.TripQuery) { q.Origin.Lat = 100 },
		"bad dest":       func(q *models.TripQuery) { q.Destination.Lon = -200 },
	}
	for name, mutate := range cases {
		q := ridesQuery()
		mutate(&q)
		if _, err := svc.Recommend(q, Pools{}); !errors.Is(err, models.ErrInvalidQuery) {
			t.Errorf("%s: expected ErrInvalidQuery, got %v", name, err)
		}
	}
}

// --- schedules mode ---

func schedulesQuery() models.TripQuery {
	q := ridesQuery()
	q.Date = monday
	q.Mode = models.ModeSchedules
	return q
}

func mondaySlot(start, end string, o, d *models.Coord) models.AvailabilitySlot {
	return models.AvailabilitySlot{
		Weekday: time.Monday, StartTime: start, EndTime: end,
		Origin: o, Destination: d,
	}
}

func TestScheduleModeRequiresRiderSlots(t *testing.T) {
	svc := testService()
	pool := Pools{Schedules: []models.DriverSchedule{{
		ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
		Slots: []models.AvailabilitySlot{mondaySlot("08:00", "10:00", &sfMission, &sfSoma)},
	}}}
	_, err := svc.Recommend(schedulesQuery(), pool)
	if !errors.Is(err, models.ErrNoAvailability) {
		t.Fatalf("expected ErrNoAvailability, got %v", err)
	}
}

func TestSlackWindowIsAHardGate(t *testing.T) {
	svc := testService()
	// perfect route, but the window [13:00-15:00] +/- 60min can never admit 08:30
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{mondaySlot("13:00", "15:00", &sfMission, &sfSoma)},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 0 {
		t.Fatalf("slot outside the slack window must never appear, got %+v", res.Candidates)
	}
}

func TestSlackWindowAdmitsEdge(t *testing.T) {
	svc := testService()
	// rider 08:30 is exactly slotStart-60
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{mondaySlot("09:30", "11:00", &sfMission, &sfSoma)},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("edge-of-slack slot should be admitted, got %d", len(res.Candidates))
	}
}

func TestWeekdayMismatchSkipped(t *testing.T) {
	svc := testService()
	slot := mondaySlot("08:00", "10:00", &sfMission, &sfSoma)
	slot.Weekday = time.Tuesday
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{slot},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 0 {
		t.Fatal("Tuesday slot must not match a Monday query")
	}
}

func TestScheduleCandidateIDCarriesSlotStart(t *testing.T) {
	svc := testService()
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{mondaySlot("08:00", "10:00", &sfMission, &sfSoma)},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates[0].ID != "s1-08:00" {
		t.Fatalf("id = %s, want s1-08:00", res.Candidates[0].ID)
	}
	if res.Candidates[0].Kind != models.KindDriverSchedule {
		t.Fatalf("kind = %s", res.Candidates[0].Kind)
	}
}

func TestDuplicateDriverCollapsesToBestSlot(t *testing.T) {
	svc := testService()
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{
				mondaySlot("08:00", "10:00", &sfMission, &sfSoma),
				mondaySlot("08:30", "09:30", &sfMission, &sfSoma),
			},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected one candidate per driver, got %d", len(res.Candidates))
	}
	// the 08:30 slot matches the rider exactly and must be the survivor
	if res.Candidates[0].ID != "s1-08:30" {
		t.Fatalf("survivor = %s, want s1-08:30", res.Candidates[0].ID)
	}
}

func TestSlotWithoutRouteFallsBackToActiveRide(t *testing.T) {
	svc := testService()
	ride := offer("active", &sfMission, &sfSoma, "08:30", 4, 3)
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 2,
			Slots:      []models.AvailabilitySlot{mondaySlot("08:00", "10:00", nil, nil)},
			ActiveRide: &ride,
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected fallback route to admit the slot, got %d", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.Origin == nil || *c.Origin != sfMission {
		t.Fatalf("origin should come from the active ride, got %+v", c.Origin)
	}
	// active ride seat math (4-3=1) outranks the declared 2 vehicle seats
	if c.SeatsLeft == nil || *c.SeatsLeft != 1 {
		t.Fatalf("seatsLeft = %v, want 1 from the active ride", c.SeatsLeft)
	}
}

func TestSlotWithoutAnyRouteSkipped(t *testing.T) {
	svc := testService()
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{{
			ScheduleID: "s1", DriverID: "d1", VehicleSeats: 4,
			Slots: []models.AvailabilitySlot{mondaySlot("08:00", "10:00", nil, nil)},
		}},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 0 {
		t.Fatal("slot with no origin anywhere must be skipped")
	}
}

func TestUnknownCapacityScoresNeutralNotZero(t *testing.T) {
	svc := testService()
	mk := func(seats int, driver string) models.DriverSchedule {
		return models.DriverSchedule{
			ScheduleID: "s-" + driver, DriverID: driver, VehicleSeats: seats,
			Slots: []models.AvailabilitySlot{mondaySlot("08:30", "10:00", &sfMission, &sfSoma)},
		}
	}
	pool := Pools{
		RiderSlots: 1,
		Schedules: []models.DriverSchedule{
			mk(0, "unknown"), // capacity entirely unknown
			mk(4, "known"),
		},
	}
	res, err := svc.Recommend(schedulesQuery(), pool)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	var unknown models.Candidate
	for _, c := range res.Candidates {
		if c.DriverRef == "unknown" {
			unknown = c
		}
	}
	if unknown.SeatsLeft != nil {
		t.Fatalf("unknown capacity must surface nil seatsLeft, got %v", *unknown.SeatsLeft)
	}
	// identical route/time, so the only difference is the seat factor:
	// 0.1*0.2 for unknown vs 0.1*1.0 for a 4-seat vehicle
	if diff := res.Candidates[0].Score - unknown.Score; math.Abs(diff-0.08) > 1e-9 {
		t.Fatalf("unknown-capacity penalty = %f, want 0.08", diff)
	}
}

func TestMalformedCandidateTimeDoesNotAbortBatch(t *testing.T) {
	svc := testService()
	bad := offer("bad-time", &sfMission, &sfSoma, "garbage", 4, 0)
	good := offer("good", &sfMission, &sfSoma, "08:30", 4, 0)
	res, err := svc.Recommend(ridesQuery(), Pools{Offers: []models.RideOffer{bad, good}})
	if err != nil {
		t.Fatalf("bad candidate aborted the batch: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected both candidates scored, got %d", len(res.Candidates))
	}
	if res.Candidates[0].ID != "good" {
		t.Fatal("the well-formed candidate should rank first")
	}
}
