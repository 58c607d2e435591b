// Package recommend ranks published ride offers and recurring driver
// schedules against a rider's desired trip. It is a pure in-memory
// computation: candidate pools are pre-resolved by the caller, nothing here
// performs I/O or mutates shared state, so concurrent calls need no
// coordination.
package recommend

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/morallyearlgrey/carpool/internal/models"
	"github.com/morallyearlgrey/carpool/internal/observability"
)

// Pools are the pre-resolved candidate sets for one query. RiderSlots is
// the number of availability slots the requesting rider has on file; it
// gates schedules mode.
type Pools struct {
	Offers     []models.RideOffer
	Schedules  []models.DriverSchedule
	RiderSlots int
}

// Result distinguishes "no matches" from transport failures: an empty
// candidate list with NoMatches set is a normal outcome, not an error.
type Result struct {
	Candidates []models.Candidate `json:"candidates"`
	NoMatches  bool               `json:"noMatches"`
}

type Service struct {
	cfg    Config
	logger *slog.Logger
}

func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg.withDefaults(), logger: logger}
}

// Recommend validates the query, scores the pool for the requested mode,
// deduplicates, and returns at most MaxResults candidates sorted by score
// descending. Precondition failures surface as errors before any scoring;
// individually broken candidates are skipped, never fatal.
func (s *Service) Recommend(q models.TripQuery, pools Pools) (Result, error) {
	start := time.Now()
	if err := validateQuery(q); err != nil {
		return Result{}, err
	}
	if q.Mode == models.ModeSchedules && pools.RiderSlots == 0 {
		return Result{}, models.ErrNoAvailability
	}

	var cands []models.Candidate
	switch q.Mode {
	case models.ModeRides:
		cands = s.scoreRides(q, pools.Offers)
	case models.ModeSchedules:
		cands = s.scoreSchedules(q, pools.Schedules)
	}

	cands = dedupe(cands)
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	if len(cands) > s.cfg.MaxResults {
		cands = cands[:s.cfg.MaxResults]
	}
	if cands == nil {
		cands = []models.Candidate{}
	}

	observability.RecommendationsTotal.WithLabelValues(string(q.Mode)).Inc()
	observability.RecommendLatency.Observe(time.Since(start).Seconds())
	if len(cands) == 0 {
		observability.NoMatchesTotal.Inc()
	}
	s.logger.Debug("recommendation scored",
		"rider_id", q.RiderID,
		"mode", q.Mode,
		"candidates", len(cands),
	)
	return Result{Candidates: cands, NoMatches: len(cands) == 0}, nil
}

func validateQuery(q models.TripQuery) error {
	switch {
	case q.RiderID == "":
		return fmt.Errorf("%w: missing rider id", models.ErrInvalidQuery)
	case !q.Mode.Valid():
		return fmt.Errorf("%w: mode must be 'rides' or 'schedules'", models.ErrInvalidQuery)
	case q.Date.IsZero():
		return fmt.Errorf("%w: missing date", models.ErrInvalidQuery)
	case q.StartTime == "":
		return fmt.Errorf("%w: missing start time", models.ErrInvalidQuery)
	case !q.Origin.Valid():
		return fmt.Errorf("%w: origin out of range", models.ErrInvalidQuery)
	case !q.Destination.Valid():
		return fmt.Errorf("%w: destination out of range", models.ErrInvalidQuery)
	}
	return nil
}

// dedupe keeps the highest-scoring candidate per underlying driver/ride
// key. A driver with several admitted slots must appear at most once.
func dedupe(cands []models.Candidate) []models.Candidate {
	if len(cands) < 2 {
		return cands
	}
	idx := make(map[string]int, len(cands))
	keep := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		k := dedupeKey(c)
		if i, ok := idx[k]; ok {
			if c.Score > keep[i].Score {
				keep[i] = c
			}
			continue
		}
		idx[k] = len(keep)
		keep = append(keep, c)
	}
	return keep
}

func dedupeKey(c models.Candidate) string {
	if c.Kind == models.KindDriverSchedule {
		return "driver:" + c.DriverRef
	}
	return "ride:" + c.ID
}

func invDistance(km float64) float64 { return 1 / (1 + km) }

func invMinutes(m int) float64 { return 1 / (1 + float64(m)) }
