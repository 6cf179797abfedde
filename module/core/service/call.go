package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

// CallService tracks per call-pair signaling state and relays SDP/ICE
// bodies opaquely. ringing -> active -> ended; ended is terminal for the
// pair until either party disconnects and the session is purged.
type CallService struct {
	mu    sync.Mutex
	calls map[string]*domain.CallSession

	presence *PresenceService
	now      func() time.Time
}

func NewCallService(presence *PresenceService) *CallService {
	return &CallService{
		calls:    make(map[string]*domain.CallSession),
		presence: presence,
		now:      time.Now,
	}
}

func callKey(callerID, calleeID string) string {
	return callerID + "->" + calleeID
}

// find returns the session for the pair in either direction.
func (s *CallService) find(a, b string) *domain.CallSession {
	if sess, ok := s.calls[callKey(a, b)]; ok {
		return sess
	}
	return s.calls[callKey(b, a)]
}

// Initiate creates a ringing session and relays the offer to the callee.
// No session is created when the callee has no live session.
func (s *CallService) Initiate(callerID, calleeID string, data json.RawMessage) error {
	if !s.presence.Online(calleeID) {
		return ErrTargetOffline
	}

	now := s.now()
	key := callKey(callerID, calleeID)
	s.mu.Lock()
	s.calls[key] = &domain.CallSession{
		CallerID:     callerID,
		CalleeID:     calleeID,
		State:        domain.CallRinging,
		StartedAt:    now,
		LastSignalAt: now,
	}
	s.mu.Unlock()

	if err := s.presence.Send(calleeID, domain.Envelope{Event: domain.EventCallInitiate, Data: data}); err != nil {
		s.mu.Lock()
		delete(s.calls, key)
		s.mu.Unlock()
		return ErrTargetOffline
	}
	return nil
}

// Answer transitions a ringing pair to active and relays the answer to the
// caller.
func (s *CallService) Answer(calleeID, callerID string, data json.RawMessage) error {
	now := s.now()
	s.mu.Lock()
	sess := s.calls[callKey(callerID, calleeID)]
	if sess == nil || sess.State == domain.CallEnded {
		s.mu.Unlock()
		return ErrTargetOffline
	}
	if sess.State == domain.CallRinging {
		sess.State = domain.CallActive
		sess.AnsweredAt = now
	}
	sess.LastSignalAt = now
	s.mu.Unlock()

	return s.presence.Send(callerID, domain.Envelope{Event: domain.EventWebRTCAnswer, Data: data})
}

// Relay forwards an opaque signaling body (webrtc_offer, ice_candidate) to
// the named target. A pair that has ended rejects further signaling.
func (s *CallService) Relay(fromID, targetID, event string, data json.RawMessage) error {
	s.mu.Lock()
	sess := s.find(fromID, targetID)
	if sess != nil {
		if sess.State == domain.CallEnded {
			s.mu.Unlock()
			return ErrTargetOffline
		}
		sess.LastSignalAt = s.now()
	}
	s.mu.Unlock()

	return s.presence.Send(targetID, domain.Envelope{Event: event, Data: data})
}

// End marks the pair ended on an explicit end message and notifies the
// peer best-effort.
func (s *CallService) End(fromID, targetID string, data json.RawMessage) {
	s.mu.Lock()
	if sess := s.find(fromID, targetID); sess != nil && sess.State != domain.CallEnded {
		sess.State = domain.CallEnded
		sess.EndedAt = s.now()
	}
	s.mu.Unlock()

	_ = s.presence.Send(targetID, domain.Envelope{Event: domain.EventCallEnd, Data: data})
}

// EndAllFor ends and purges every session involving vehicleID, notifying
// the surviving party. Run from the presence disconnect cascade.
func (s *CallService) EndAllFor(vehicleID, reason string) {
	now := s.now()

	var notify []string
	s.mu.Lock()
	for key, sess := range s.calls {
		if sess.CallerID != vehicleID && sess.CalleeID != vehicleID {
			continue
		}
		if sess.State != domain.CallEnded {
			sess.State = domain.CallEnded
			sess.EndedAt = now
			other := sess.CallerID
			if other == vehicleID {
				other = sess.CalleeID
			}
			notify = append(notify, other)
		}
		delete(s.calls, key)
	}
	s.mu.Unlock()

	for _, other := range notify {
		_ = s.presence.Send(other, domain.NewEnvelope(domain.EventCallEnd, map[string]any{
			"senderId": vehicleID,
			"reason":   reason,
			"ts":       now.UnixMilli(),
		}))
	}
}

// Get returns a copy of the session for an ordered (caller, callee) pair.
func (s *CallService) Get(callerID, calleeID string) (domain.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.calls[callKey(callerID, calleeID)]
	if !ok {
		return domain.CallSession{}, false
	}
	return *sess, true
}

// ActiveCount reports sessions currently in the active state.
func (s *CallService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.calls {
		if sess.State == domain.CallActive {
			n++
		}
	}
	return n
}
