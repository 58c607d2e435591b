package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// RequestNotice is what a connected driver sees when a rider asks for a
// seat. Delivery is best effort; the request itself is already persisted.
type RequestNotice struct {
	RequestID string       `json:"requestId"`
	RideID    string       `json:"rideId"`
	SenderID  string       `json:"senderId"`
	Origin    models.Coord `json:"origin"`
	StartTime string       `json:"startTime"`
}

// Notifier abstracts how a driver is told about an incoming join request.
type Notifier interface {
	Notify(driverID string, notice RequestNotice) error
}

// WSSession is one connected driver socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(n RequestNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(n)
}

// WSRegistry tracks driver sockets by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	sessions map[string]*WSSession
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{logger: logger, sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Notify(driverID string, notice RequestNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(notice); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
