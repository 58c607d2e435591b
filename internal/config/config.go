package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/morallyearlgrey/carpool/internal/recommend"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	OfferGeoKey   string
	// OfferGeoRadiusKm bounds the rides-pool pre-filter around the rider's
	// origin. 0 (the default) disables the pre-filter and scores the whole
	// day's offers; a distant offer then ranks low instead of vanishing.
	// Set a radius only when the daily offer volume needs trimming.
	OfferGeoRadiusKm float64

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN    string
	MongoURI string
	MongoDB  string

	StripeAPIKey string
	FCMEndpoint  string
	FCMKey       string

	Recommend recommend.Config

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		OfferGeoKey: "offers_geo",
		KafkaTopic:  "offer-events",
		MongoDB:          "carpool",
		Recommend:        recommend.DefaultConfig(),
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.OfferGeoKey, "OFFER_GEO_KEY")
	setFloatFromEnv(&cfg.OfferGeoRadiusKm, "OFFER_GEO_RADIUS_KM", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.FCMEndpoint = os.Getenv("FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	loadRecommendConfig(&cfg.Recommend, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Recommend.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("RECOMMEND_MAX_RESULTS must be > 0"))
	}
	if cfg.Recommend.SlackMinutes < 0 {
		errs = append(errs, fmt.Errorf("RECOMMEND_SLACK_MINUTES must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadRecommendConfig exposes the whole scoring table through the
// environment so weights, slack and result caps are tuned without a
// rebuild.
func loadRecommendConfig(rc *recommend.Config, errs *[]error) {
	setFloatFromEnv(&rc.RideWeights.Start, "RECOMMEND_RIDE_WEIGHT_START", errs)
	setFloatFromEnv(&rc.RideWeights.End, "RECOMMEND_RIDE_WEIGHT_END", errs)
	setFloatFromEnv(&rc.RideWeights.Time, "RECOMMEND_RIDE_WEIGHT_TIME", errs)
	setFloatFromEnv(&rc.RideWeights.Seats, "RECOMMEND_RIDE_WEIGHT_SEATS", errs)
	setFloatFromEnv(&rc.ScheduleWeights.Distance, "RECOMMEND_SCHEDULE_WEIGHT_DIST", errs)
	setFloatFromEnv(&rc.ScheduleWeights.Time, "RECOMMEND_SCHEDULE_WEIGHT_TIME", errs)
	setFloatFromEnv(&rc.ScheduleWeights.Seats, "RECOMMEND_SCHEDULE_WEIGHT_SEATS", errs)
	setIntFromEnv(&rc.SlackMinutes, "RECOMMEND_SLACK_MINUTES", errs)
	setIntFromEnv(&rc.MaxResults, "RECOMMEND_MAX_RESULTS", errs)
	setIntFromEnv(&rc.SeatSaturation, "RECOMMEND_SEAT_SATURATION", errs)
	setFloatFromEnv(&rc.UnknownSeatScore, "RECOMMEND_UNKNOWN_SEAT_SCORE", errs)
	setFloatFromEnv(&rc.MissingLegPenaltyKm, "RECOMMEND_MISSING_LEG_PENALTY_KM", errs)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
