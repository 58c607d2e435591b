package recommend

import (
	"github.com/morallyearlgrey/carpool/internal/clock"
	"github.com/morallyearlgrey/carpool/internal/geo"
	"github.com/morallyearlgrey/carpool/internal/models"
)

// slotRoute is the resolved origin/destination/seat source for one
// availability slot.
type slotRoute struct {
	Origin      *models.Coord
	Destination *models.Coord
	SeatsLeft   int
	SeatsKnown  bool
}

// resolveSlotRoute fills the route from the slot first, then from the
// driver's active ride. Precedence: the declared vehicle capacity supplies
// the seat count, but once the active ride is consulted for a missing leg
// its live seat arithmetic wins.
func resolveSlotRoute(slot models.AvailabilitySlot, sched models.DriverSchedule) slotRoute {
	r := slotRoute{Origin: slot.Origin, Destination: slot.Destination}
	if sched.VehicleSeats > 0 {
		r.SeatsLeft = sched.VehicleSeats
		r.SeatsKnown = true
	}
	if (r.Origin == nil || r.Destination == nil) && sched.ActiveRide != nil {
		ride := sched.ActiveRide
		if r.Origin == nil {
			r.Origin = ride.Origin
		}
		if r.Destination == nil {
			r.Destination = ride.Destination
		}
		r.SeatsLeft = ride.SeatsLeft()
		r.SeatsKnown = true
	}
	return r
}

// scoreSchedules walks every driver's slots for the query's weekday. The
// slack window is a hard admission gate: a slot outside
// [start-slack, end+slack] never reaches scoring no matter how close its
// route is.
func (s *Service) scoreSchedules(q models.TripQuery, scheds []models.DriverSchedule) []models.Candidate {
	weekday := clock.WeekdayOf(q.Date)
	riderMin := clock.Minutes(q.StartTime)
	slack := s.cfg.SlackMinutes
	w := s.cfg.ScheduleWeights

	var out []models.Candidate
	for _, sched := range scheds {
		for _, slot := range sched.Slots {
			if slot.Weekday != weekday {
				continue
			}
			slotStart := clock.Minutes(slot.StartTime)
			slotEnd := clock.Minutes(slot.EndTime)
			if riderMin < slotStart-slack || riderMin > slotEnd+slack {
				continue
			}

			route := resolveSlotRoute(slot, sched)
			if route.Origin == nil {
				// no usable start point, not even via the active ride
				continue
			}

			startKm := geo.HaversineKm(q.Origin, *route.Origin)
			endKm := s.cfg.MissingLegPenaltyKm
			if route.Destination != nil {
				endKm = geo.HaversineKm(q.Destination, *route.Destination)
			}
			timeDelta := absInt(riderMin - slotStart)

			seatsScore := s.cfg.UnknownSeatScore
			var seatsLeft *int
			if route.SeatsKnown {
				seatsScore = s.seatFactor(route.SeatsLeft)
				seatsLeft = intPtr(route.SeatsLeft)
			}

			score := w.Distance*invDistance(startKm) +
				w.Time*invMinutes(timeDelta) +
				w.Seats*seatsScore

			// a schedule can contribute several slots per query, so the id
			// carries the slot start time
			c := models.Candidate{
				ID:          sched.ScheduleID + "-" + slot.StartTime,
				Kind:        models.KindDriverSchedule,
				DriverRef:   sched.DriverID,
				DriverName:  sched.DriverName,
				Origin:      route.Origin,
				Destination: route.Destination,
				StartTime:   slot.StartTime,
				EndTime:     slot.EndTime,
				SeatsLeft:   seatsLeft,
				Score:       score,
			}
			if q.Explain {
				c.Diagnostics = &models.Diagnostics{
					TimeDeltaMinutes: timeDelta,
					StartDistanceKm:  startKm,
					EndDistanceKm:    endKm,
				}
			}
			out = append(out, c)
		}
	}
	return out
}
