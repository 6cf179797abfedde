package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

var (
	ErrTargetOffline = errors.New("target vehicle has no live session")
	ErrNotRegistered = errors.New("vehicle is not registered")
)

// Broadcaster fans an event out to every connection, locally and across
// sibling processes.
type Broadcaster interface {
	Broadcast(env domain.Envelope, except ...string)
}

// PresenceService is the authoritative registry of connected vehicles.
// All mutation happens under one short-held mutex; sends, broadcasts and
// cascade hooks always run after the lock is released.
type PresenceService struct {
	mu       sync.Mutex
	sessions map[string]*domain.VehicleSession

	broadcast Broadcaster
	onEvict   []func(vehicleID, reason string)
	now       func() time.Time
}

func NewPresenceService() *PresenceService {
	return &PresenceService{
		sessions: make(map[string]*domain.VehicleSession),
		now:      time.Now,
	}
}

// SetBroadcaster wires the fanout after construction; presence and fanout
// reference each other, so one side is attached late.
func (s *PresenceService) SetBroadcaster(b Broadcaster) {
	s.broadcast = b
}

// OnEvict registers a cleanup hook run whenever a session leaves the
// registry, for any reason.
func (s *PresenceService) OnEvict(fn func(vehicleID, reason string)) {
	s.onEvict = append(s.onEvict, fn)
}

// Register installs a new session, evicting any previous session for the
// same vehicle id with close reason "replaced", and announces the vehicle
// online. Re-registering on the same connection is an in-place refresh:
// nothing is closed and no cascade runs.
func (s *PresenceService) Register(sess *domain.VehicleSession) {
	sess.LastSeenAt = s.now()

	s.mu.Lock()
	old := s.sessions[sess.VehicleID]
	s.sessions[sess.VehicleID] = sess
	s.mu.Unlock()

	if old != nil && old.Conn != sess.Conn {
		old.Conn.Close("replaced")
		s.cascade(sess.VehicleID, "replaced")
		log.Printf("presence: session %s replaced", sess.VehicleID)
	}

	s.announce(sess, true)
}

func (s *PresenceService) Heartbeat(vehicleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[vehicleID]
	if !ok {
		return false
	}
	sess.LastSeenAt = s.now()
	return true
}

// UpdateLocation stores the vehicle's last known coordinates and refreshes
// its liveness. Returns false when the vehicle is not registered.
func (s *PresenceService) UpdateLocation(vehicleID string, lat, lon float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[vehicleID]
	if !ok {
		return false
	}
	sess.LastLat = &lat
	sess.LastLon = &lon
	sess.LastSeenAt = s.now()
	return true
}

// Disconnect removes the session and cascades cleanup. When conn is
// non-nil the removal only happens if it still owns the registry slot, so
// late cleanup of a replaced socket cannot evict a fresh session.
func (s *PresenceService) Disconnect(vehicleID string, conn domain.Sender, reason string) {
	s.mu.Lock()
	cur, ok := s.sessions[vehicleID]
	if !ok || (conn != nil && cur.Conn != conn) {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, vehicleID)
	s.mu.Unlock()

	cur.Conn.Close(reason)
	s.cascade(vehicleID, reason)
	s.announce(cur, false)
	log.Printf("presence: %s disconnected (%s)", vehicleID, reason)
}

func (s *PresenceService) Lookup(vehicleID string) (domain.VehicleSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[vehicleID]
	if !ok {
		return domain.VehicleSession{}, false
	}
	return *sess, true
}

func (s *PresenceService) Online(vehicleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[vehicleID]
	return ok
}

// Send delivers one event to a single vehicle's connection.
func (s *PresenceService) Send(vehicleID string, env domain.Envelope) error {
	s.mu.Lock()
	sess, ok := s.sessions[vehicleID]
	s.mu.Unlock()
	if !ok {
		return ErrTargetOffline
	}
	return sess.Conn.Send(env)
}

// Each calls fn for every live session. The session list is snapshotted
// under the lock; fn runs without it, so it may block or send.
func (s *PresenceService) Each(fn func(vehicleID string, conn domain.Sender)) {
	type entry struct {
		id   string
		conn domain.Sender
	}
	s.mu.Lock()
	snapshot := make([]entry, 0, len(s.sessions))
	for id, sess := range s.sessions {
		snapshot = append(snapshot, entry{id, sess.Conn})
	}
	s.mu.Unlock()

	for _, e := range snapshot {
		fn(e.id, e.conn)
	}
}

// Sessions returns a copy of every live session, for the read API.
func (s *PresenceService) Sessions() []domain.VehicleSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VehicleSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

func (s *PresenceService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweeper evicts sessions whose LastSeenAt is older than staleAfter,
// treating silence as an implicit disconnect. The sweep is idempotent and
// tolerates skipped ticks.
func (s *PresenceService) StartSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(staleAfter)
			}
		}
	}()
}

func (s *PresenceService) sweep(staleAfter time.Duration) {
	cutoff := s.now().Add(-staleAfter)

	type stale struct {
		id   string
		conn domain.Sender
	}
	s.mu.Lock()
	var victims []stale
	for id, sess := range s.sessions {
		if sess.LastSeenAt.Before(cutoff) {
			victims = append(victims, stale{id, sess.Conn})
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.Disconnect(v.id, v.conn, "timeout")
	}
}

func (s *PresenceService) cascade(vehicleID, reason string) {
	for _, fn := range s.onEvict {
		fn(vehicleID, reason)
	}
}

func (s *PresenceService) announce(sess *domain.VehicleSession, online bool) {
	if s.broadcast == nil {
		return
	}
	update := domain.PresenceUpdate{
		VehicleID: sess.VehicleID,
		Online:    online,
		TS:        s.now().UnixMilli(),
	}
	if online {
		update.DriverName = sess.DriverName
		info := sess.Info
		update.Info = &info
	}
	s.broadcast.Broadcast(domain.NewEnvelope(domain.EventPresenceUpdate, update))
}
