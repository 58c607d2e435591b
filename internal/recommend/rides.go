package recommend

import (
	"time"

	"github.com/morallyearlgrey/carpool/internal/clock"
	"github.com/morallyearlgrey/carpool/internal/geo"
	"github.com/morallyearlgrey/carpool/internal/models"
)

// scoreRides emits one candidate per same-date offer that has an origin.
// An offer without a destination is scored against the configured penalty
// distance rather than dropped; an offer without a start time counts as a
// perfect time match, which is what the clients have always seen.
func (s *Service) scoreRides(q models.TripQuery, offers []models.RideOffer) []models.Candidate {
	w := s.cfg.RideWeights
	out := make([]models.Candidate, 0, len(offers))
	for _, offer := range offers {
		if offer.Origin == nil || !sameDate(offer.Date, q.Date) {
			continue
		}

		startKm := geo.HaversineKm(q.Origin, *offer.Origin)
		endKm := s.cfg.MissingLegPenaltyKm
		if offer.Destination != nil {
			endKm = geo.HaversineKm(q.Destination, *offer.Destination)
		}
		timeDelta := 0
		if offer.StartTime != "" {
			timeDelta = clock.Delta(q.StartTime, offer.StartTime)
		}
		seats := offer.SeatsLeft()

		score := w.Start*invDistance(startKm) +
			w.End*invDistance(endKm) +
			w.Time*invMinutes(timeDelta) +
			w.Seats*s.seatFactor(seats)

		c := models.Candidate{
			ID:          offer.ID,
			Kind:        models.KindRide,
			DriverRef:   offer.DriverID,
			DriverName:  offer.DriverName,
			Origin:      offer.Origin,
			Destination: offer.Destination,
			StartTime:   offer.StartTime,
			EndTime:     offer.EndTime,
			SeatsLeft:   intPtr(seats),
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
	return out
}

// seatFactor normalizes seats-left into [0,1]; a full ride scores zero but
// is not excluded from the list.
func (s *Service) seatFactor(seatsLeft int) float64 {
	if seatsLeft <= 0 {
		return 0
	}
	f := float64(seatsLeft) / float64(s.cfg.SeatSaturation)
	if f > 1 {
		return 1
	}
	return f
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func intPtr(v int) *int { return &v }
