// The consumer keeps the Redis GEO index of published offer origins in
// sync with the offer-events topic, so API nodes can pre-filter the rides
// pool without owning index maintenance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/morallyearlgrey/carpool/internal/ingest"
	"github.com/morallyearlgrey/carpool/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_offer_events_total",
		Help: "Total offer events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_offer_events_invalid_total",
		Help: "Total invalid offer events received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := envOr("KAFKA_TOPIC", "offer-events")
	group := envOr("KAFKA_GROUP", "carpool-offer-indexer")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	geoKey := envOr("OFFER_GEO_KEY", "offers_geo")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	idx := &redisIndexer{c: rc, key: geoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("offer indexer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev ingest.OfferEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Offer.ID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid offer event", "error", err)
			continue
		}

		if err := applyEventWithRetry(ctx, idx, ev, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Warn("geo index update failed", "offer_id", ev.Offer.ID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// OfferIndexer is the small subset of redis operations the consumer needs,
// split out for tests.
type OfferIndexer interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	Remove(ctx context.Context, offerID string) error
}

type redisIndexer struct {
	c   *redis.Client
	key string
}

func (r *redisIndexer) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, r.key, loc).Result()
	return err
}

func (r *redisIndexer) Remove(ctx context.Context, offerID string) error {
	return r.c.ZRem(ctx, r.key, offerID).Err()
}

// applyEventWithRetry folds one offer event into the index with a small
// backoff. Removed offers, offers without an origin, and updated offers
// with no seats left all drop out of the index so the pre-filter stops
// surfacing them.
func applyEventWithRetry(ctx context.Context, idx OfferIndexer, ev ingest.OfferEvent, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		var err error
		if ev.Kind == "removed" || ev.Offer.Origin == nil || (ev.Kind == "updated" && ev.Offer.SeatsLeft() == 0) {
			err = idx.Remove(ctx, ev.Offer.ID)
		} else {
			err = idx.GeoAdd(ctx, &redis.GeoLocation{
				Name:      ev.Offer.ID,
				Longitude: ev.Offer.Origin.Lon,
				Latitude:  ev.Offer.Origin.Lat,
			})
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
