package recommend

// RideWeights weight the factors of a rides-mode candidate. Start-point
// proximity must stay the dominant term; seat scarcity is a tie-breaker,
// never the primary signal.
type RideWeights struct {
	Start float64
	End   float64
	Time  float64
	Seats float64
}

// ScheduleWeights weight the factors of a schedule-mode candidate.
type ScheduleWeights struct {
	Distance float64
	Time     float64
	Seats    float64
}

// Config is the full tuning table for the recommender. Every knob here is
// env-overridable through the config package so tuning never needs a code
// change.
type Config struct {
	RideWeights     RideWeights
	ScheduleWeights ScheduleWeights

	// SlackMinutes widens a slot's admission window on both sides.
	SlackMinutes int
	// MaxResults caps the returned candidate list.
	MaxResults int
	// SeatSaturation is the seats-left count at which the seat factor
	// saturates to 1.
	SeatSaturation int
	// UnknownSeatScore is the neutral seat factor used when a driver's
	// capacity is entirely unknown. Unknown must not score like "full".
	UnknownSeatScore float64
	// MissingLegPenaltyKm stands in for the end-point distance when a
	// candidate has no destination on record.
	MissingLegPenaltyKm float64
}

func DefaultConfig() Config {
	return Config{
		RideWeights:         RideWeights{Start: 0.5, End: 0.2, Time: 0.2, Seats: 0.1},
		ScheduleWeights:     ScheduleWeights{Distance: 0.6, Time: 0.3, Seats: 0.1},
		SlackMinutes:        60,
		MaxResults:          10,
		SeatSaturation:      4,
		UnknownSeatScore:    0.2,
		MissingLegPenaltyKm: 1000,
	}
}

// withDefaults backfills unset knobs so a partially populated Config from
// the env loader still behaves.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RideWeights == (RideWeights{}) {
		c.RideWeights = def.RideWeights
	}
	if c.ScheduleWeights == (ScheduleWeights{}) {
		c.ScheduleWeights = def.ScheduleWeights
	}
	if c.SlackMinutes <= 0 {
		c.SlackMinutes = def.SlackMinutes
	}
	if c.MaxResults <= 0 {
		c.MaxResults = def.MaxResults
	}
	if c.SeatSaturation <= 0 {
		c.SeatSaturation = def.SeatSaturation
	}
	if c.UnknownSeatScore <= 0 {
		c.UnknownSeatScore = def.UnknownSeatScore
	}
	if c.MissingLegPenaltyKm <= 0 {
		c.MissingLegPenaltyKm = def.MissingLegPenaltyKm
	}
	return c
}
