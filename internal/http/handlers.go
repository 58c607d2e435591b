package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morallyearlgrey/carpool/internal/clock"
	"github.com/morallyearlgrey/carpool/internal/config"
	"github.com/morallyearlgrey/carpool/internal/dispatch"
	"github.com/morallyearlgrey/carpool/internal/geo"
	"github.com/morallyearlgrey/carpool/internal/ingest"
	"github.com/morallyearlgrey/carpool/internal/models"
	"github.com/morallyearlgrey/carpool/internal/observability"
	"github.com/morallyearlgrey/carpool/internal/payments"
	"github.com/morallyearlgrey/carpool/internal/recommend"
	"github.com/morallyearlgrey/carpool/internal/storage"
)

type Server struct {
	store  storage.Store
	geoIdx geo.Index
	rec    *recommend.Service
	kafka  *ingest.KafkaProducer // optional
	wsReg  *dispatch.WSRegistry
	fcm    *dispatch.FCMDispatcher // optional
	stripe payments.Escrow         // optional
	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the API from config with sensible fallbacks: Mongo if
// configured, else Postgres, else in-memory; Redis GEO index if configured,
// else in-memory; Kafka/FCM/Stripe only when their settings are present.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	switch {
	case cfg.MongoURI != "":
		ms, err := storage.NewMongoStore(context.Background(), cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		store = ms
	case cfg.PGDSN != "":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	default:
		store = storage.NewMemoryStore()
	}

	var idx geo.Index
	if cfg.RedisAddr != "" {
		idx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.OfferGeoKey)
	} else {
		idx = geo.NewMemoryIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	var fcm *dispatch.FCMDispatcher
	if cfg.FCMEndpoint != "" {
		fcm = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	var sc payments.Escrow
	if cfg.StripeAPIKey != "" {
		sc = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	s := &Server{
		store:  store,
		geoIdx: idx,
		rec:    recommend.NewService(cfg.Recommend, logger),
		kafka:  kp,
		wsReg:  dispatch.NewWSRegistry(logger),
		fcm:    fcm,
		stripe: sc,
		cfg:    cfg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

// NewServerWith builds a server over explicit collaborators; used by tests.
func NewServerWith(cfg config.ServerConfig, logger *slog.Logger, store storage.Store, idx geo.Index) *Server {
	s := &Server{
		store:  store,
		geoIdx: idx,
		rec:    recommend.NewService(cfg.Recommend, logger),
		wsReg:  dispatch.NewWSRegistry(logger),
		cfg:    cfg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/recommendations", s.handleRecommendations).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers", s.handleCreateOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers", s.handleListOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/offers/{id}", s.handleDeleteOffer).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/offers/{id}/complete", s.handleCompleteOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/mine", s.handleMyRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/schedules/{driver_id}", s.handleUpsertSchedule).Methods("PUT")
	s.mux.HandleFunc("/api/v1/requests", s.handleSendRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/respond", s.handleRespondRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/incoming", s.handleListRequests(true)).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/outgoing", s.handleListRequests(false)).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type recommendationRequest struct {
	RiderID     string       `json:"riderId"`
	Mode        string       `json:"mode"`
	Date        string       `json:"date"`
	StartTime   string       `json:"startTime"`
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`
	Explain     bool         `json:"explain"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", "")
		return
	}
	q := models.TripQuery{
		RiderID:     req.RiderID,
		Date:        date,
		StartTime:   req.StartTime,
		Origin:      req.Origin,
		Destination: req.Destination,
		Mode:        models.Mode(req.Mode),
		Explain:     req.Explain,
	}

	ctx := r.Context()
	if _, err := s.store.GetUser(ctx, q.RiderID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "requesting user not found", "")
			return
		}
		s.serverError(w, err)
		return
	}

	pools, err := s.assemblePools(ctx, q)
	if err != nil {
		s.serverError(w, err)
		return
	}

	res, err := s.rec.Recommend(q, pools)
	switch {
	case errors.Is(err, models.ErrNoAvailability):
		writeError(w, http.StatusBadRequest, err.Error(), "Please submit a schedule to enable this feature.")
		return
	case errors.Is(err, models.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	case err != nil:
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// assemblePools materializes the candidate sets the scorer consumes. The
// GEO index only pre-filters the rides pool; an empty index result leaves
// the pool untouched so a cold index never hides offers.
func (s *Server) assemblePools(ctx context.Context, q models.TripQuery) (recommend.Pools, error) {
	var pools recommend.Pools
	switch q.Mode {
	case models.ModeRides:
		offers, err := s.store.OffersOn(ctx, q.Date)
		if err != nil {
			return pools, err
		}
		if s.cfg.OfferGeoRadiusKm > 0 && s.geoIdx != nil {
			if near := s.geoIdx.Nearby(q.Origin.Lat, q.Origin.Lon, s.cfg.OfferGeoRadiusKm, 200); len(near) > 0 {
				keep := make(map[string]bool, len(near))
				for _, id := range near {
					keep[id] = true
				}
				filtered := offers[:0]
				for _, o := range offers {
					if keep[o.ID] {
						filtered = append(filtered, o)
					}
				}
				offers = filtered
			}
		}
		pools.Offers = offers
	case models.ModeSchedules:
		n, err := s.store.RiderSlotCount(ctx, q.RiderID)
		if err != nil {
			return pools, err
		}
		pools.RiderSlots = n
		if n > 0 {
			scheds, err := s.store.DriverSchedules(ctx)
			if err != nil {
				return pools, err
			}
			pools.Schedules = scheds
		}
	}
	return pools, nil
}

type createOfferRequest struct {
	DriverID    string        `json:"driverId"`
	Origin      *models.Coord `json:"origin"`
	Destination *models.Coord `json:"destination"`
	Date        string        `json:"date"`
	StartTime   string        `json:"startTime"`
	EndTime     string        `json:"endTime"`
	MaxRiders   int           `json:"maxRiders"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.DriverID == "" || req.Origin == nil || req.Destination == nil {
		writeError(w, http.StatusBadRequest, "driverId, origin and destination are required", "")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", "")
		return
	}

	ctx := r.Context()
	driver, err := s.store.GetUser(ctx, req.DriverID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "driver not found", "")
			return
		}
		s.serverError(w, err)
		return
	}

	offer := models.RideOffer{
		ID:            uuid.NewString(),
		DriverID:      driver.ID,
		DriverName:    driver.FirstName + " " + driver.LastName,
		Origin:        req.Origin,
		Destination:   req.Destination,
		Date:          date,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		CapacityTotal: req.MaxRiders,
		CreatedAt:     time.Now(),
	}
	if offer.CapacityTotal == 0 && driver.Vehicle != nil {
		offer.CapacityTotal = driver.Vehicle.Seats
	}
	if err := s.store.SaveOffer(ctx, &offer); err != nil {
		s.serverError(w, err)
		return
	}
	s.geoIdx.Upsert(offer.ID, *offer.Origin)
	if s.kafka != nil {
		if err := s.kafka.PublishOffer("published", offer); err != nil {
			s.logger.Warn("offer event publish failed", "offer_id", offer.ID, "error", err)
		}
	}
	observability.OffersPublished.Inc()
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date query parameter is required", "")
		return
	}
	offers, err := s.store.OffersOn(r.Context(), date)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if offers == nil {
		offers = []models.RideOffer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

// handleDeleteOffer unpublishes a ride: any fare-share holds on its
// accepted requests are released before the offer leaves the store and the
// GEO index.
func (s *Server) handleDeleteOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	offer, err := s.store.GetOffer(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "offer not found", "")
			return
		}
		s.serverError(w, err)
		return
	}

	s.settleHolds(ctx, offer, false)

	if err := s.store.DeleteOffer(ctx, id); err != nil {
		s.serverError(w, err)
		return
	}
	s.geoIdx.Remove(id)
	if s.kafka != nil {
		if err := s.kafka.PublishOffer("removed", *offer); err != nil {
			s.logger.Warn("offer event publish failed", "offer_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleCompleteOffer marks a ride as driven: held fare shares are captured
// and the offer stops being surfaced, but its record stays for history.
func (s *Server) handleCompleteOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	offer, err := s.store.GetOffer(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "offer not found", "")
			return
		}
		s.serverError(w, err)
		return
	}

	captured := s.settleHolds(ctx, offer, true)

	s.geoIdx.Remove(id)
	if s.kafka != nil {
		if err := s.kafka.PublishOffer("removed", *offer); err != nil {
			s.logger.Warn("offer event publish failed", "offer_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "captured": captured})
}

// settleHolds resolves every fare-share hold on the ride's accepted
// requests, capturing on completion and cancelling on unpublish. Returns
// the number of holds settled; failures are logged, never fatal.
func (s *Server) settleHolds(ctx context.Context, offer *models.RideOffer, capture bool) int {
	if s.stripe == nil {
		return 0
	}
	reqs, err := s.store.RequestsForUser(ctx, offer.DriverID, true)
	if err != nil {
		s.logger.Warn("hold settlement lookup failed", "offer_id", offer.ID, "error", err)
		return 0
	}
	settled := 0
	for _, jr := range reqs {
		if jr.RideID != offer.ID || jr.Status != models.RequestAccepted || jr.PaymentHold == "" {
			continue
		}
		if capture {
			err = s.stripe.CaptureShare(ctx, jr.PaymentHold)
		} else {
			err = s.stripe.ReleaseShare(ctx, jr.PaymentHold)
		}
		if err != nil {
			s.logger.Warn("fare-share settlement failed",
				"request_id", jr.ID, "capture", capture, "error", err)
			continue
		}
		settled++
	}
	return settled
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", "")
		return
	}
	rides, err := s.store.RidesForUser(r.Context(), userID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if rides == nil {
		rides = []models.RideOffer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type upsertScheduleRequest struct {
	Slots []scheduleSlot `json:"availableTimes"`
}

type scheduleSlot struct {
	Day         string        `json:"day"`
	StartTime   string        `json:"startTime"`
	EndTime     string        `json:"endTime"`
	Origin      *models.Coord `json:"origin,omitempty"`
	Destination *models.Coord `json:"destination,omitempty"`
}

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req upsertScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	slots := make([]models.AvailabilitySlot, 0, len(req.Slots))
	for _, sl := range req.Slots {
		wd, ok := clock.ParseWeekday(sl.Day)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid weekday: "+sl.Day, "")
			return
		}
		slots = append(slots, models.AvailabilitySlot{
			Weekday:     wd,
			StartTime:   sl.StartTime,
			EndTime:     sl.EndTime,
			Origin:      sl.Origin,
			Destination: sl.Destination,
		})
	}
	if err := s.store.UpsertSchedule(r.Context(), driverID, slots); err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driverId": driverID, "slots": len(slots)})
}

type sendRequestRequest struct {
	RideID      string       `json:"rideId"`
	SenderID    string       `json:"senderId"`
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`
	Date        string       `json:"date"`
	StartTime   string       `json:"startTime"`
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var req sendRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.RideID == "" || req.SenderID == "" {
		writeError(w, http.StatusBadRequest, "rideId and senderId are required", "")
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", "")
		return
	}

	ctx := r.Context()
	ride, err := s.store.GetOffer(ctx, req.RideID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ride not found", "")
			return
		}
		s.serverError(w, err)
		return
	}
	if ride.SeatsLeft() == 0 {
		writeError(w, http.StatusConflict, models.ErrRideFull.Error(), "")
		return
	}

	jr := models.JoinRequest{
		ID:          uuid.NewString(),
		RideID:      ride.ID,
		SenderID:    req.SenderID,
		ReceiverID:  ride.DriverID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Date:        date,
		StartTime:   req.StartTime,
		Status:      models.RequestPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.SaveRequest(ctx, &jr); err != nil {
		s.serverError(w, err)
		return
	}
	observability.JoinRequestsSent.Inc()

	// best-effort notice: live socket first, then push token
	notice := dispatch.RequestNotice{
		RequestID: jr.ID,
		RideID:    jr.RideID,
		SenderID:  jr.SenderID,
		Origin:    jr.Origin,
		StartTime: jr.StartTime,
	}
	if err := s.wsReg.Notify(ride.DriverID, notice); err != nil && s.fcm != nil {
		if driver, uerr := s.store.GetUser(ctx, ride.DriverID); uerr == nil && driver.PushToken != "" {
			if perr := s.fcm.NotifyToken(driver.PushToken, notice); perr != nil {
				s.logger.Warn("push notify failed", "driver_id", ride.DriverID, "error", perr)
			}
		}
	}
	writeJSON(w, http.StatusCreated, jr)
}

type respondRequestBody struct {
	Accept bool `json:"accept"`
	// FareShareCents places a fare-share hold on acceptance when Stripe is
	// configured. 0 skips payments entirely.
	FareShareCents int64 `json:"fareShareCents"`
}

func (s *Server) handleRespondRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body respondRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	ctx := r.Context()
	jr, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found", "")
			return
		}
		s.serverError(w, err)
		return
	}
	if jr.Status != models.RequestPending {
		writeError(w, http.StatusConflict, "request already resolved", "")
		return
	}

	if !body.Accept {
		jr.Status = models.RequestDeclined
		if err := s.store.UpdateRequest(ctx, jr); err != nil {
			s.serverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jr)
		return
	}

	ride, err := s.store.GetOffer(ctx, jr.RideID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if ride.SeatsLeft() == 0 {
		writeError(w, http.StatusConflict, models.ErrRideFull.Error(), "")
		return
	}
	ride.RiderIDs = append(ride.RiderIDs, jr.SenderID)
	ride.CapacityUsed++
	if err := s.store.UpdateOffer(ctx, ride); err != nil {
		s.serverError(w, err)
		return
	}

	if s.stripe != nil && body.FareShareCents > 0 {
		hold, err := s.stripe.HoldShare(ctx, body.FareShareCents, "usd", jr.SenderID)
		if err != nil {
			s.logger.Warn("fare-share hold failed", "request_id", jr.ID, "error", err)
		} else {
			jr.PaymentHold = hold
		}
	}
	jr.Status = models.RequestAccepted
	if err := s.store.UpdateRequest(ctx, jr); err != nil {
		s.serverError(w, err)
		return
	}
	if s.kafka != nil {
		if err := s.kafka.PublishOffer("updated", *ride); err != nil {
			s.logger.Warn("offer event publish failed", "offer_id", ride.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, jr)
}

func (s *Server) handleListRequests(incoming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "userId is required", "")
			return
		}
		reqs, err := s.store.RequestsForUser(r.Context(), userID, incoming)
		if err != nil {
			s.serverError(w, err)
			return
		}
		if reqs == nil {
			reqs = []models.JoinRequest{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed", "")
		return
	}
	s.wsReg.Add(id, conn)
	go func() {
		defer s.wsReg.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "server error", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, uiMessage string) {
	body := map[string]any{"error": msg}
	if uiMessage != "" {
		body["uiMessage"] = uiMessage
	}
	writeJSON(w, status, body)
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
