package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/relay/module/core/domain"
)

// AlertRequest is the validated client payload for emergency_alert.
type AlertRequest struct {
	Type      string   `json:"type"`
	Severity  string   `json:"severity"`
	Message   string   `json:"message"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// AlertService stamps and fans out emergency alerts to every registered
// vehicle except the sender. Distance filtering is a client concern.
type AlertService struct {
	presence *PresenceService
	fanout   *FanoutService
	history  *HistoryService // nil when persistence is disabled
	now      func() time.Time
	newID    func() string
}

func NewAlertService(presence *PresenceService, fanout *FanoutService, history *HistoryService) *AlertService {
	return &AlertService{
		presence: presence,
		fanout:   fanout,
		history:  history,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Send validates, stamps and broadcasts the alert, returning the stamped
// record. Broadcasting is fire-and-forget per recipient.
func (s *AlertService) Send(senderID string, req *AlertRequest) (*domain.EmergencyAlert, error) {
	if err := validateAlertRequest(req); err != nil {
		return nil, err
	}

	sess, ok := s.presence.Lookup(senderID)
	if !ok {
		return nil, ErrNotRegistered
	}

	alert := &domain.EmergencyAlert{
		ID:         s.newID(),
		SenderID:   senderID,
		Type:       req.Type,
		Severity:   req.Severity,
		Message:    req.Message,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		DriverName: sess.DriverName,
		Info:       sess.Info,
		CreatedAt:  s.now().UnixMilli(),
	}
	// fall back to the last known fix only when the client sent no
	// coordinates at all; a partial pair is kept as sent
	if alert.Latitude == nil && alert.Longitude == nil && sess.LastLat != nil {
		alert.Latitude = sess.LastLat
		alert.Longitude = sess.LastLon
	}

	s.fanout.Broadcast(domain.NewEnvelope(domain.EventEmergencyAlert, alert), senderID)

	if s.history != nil {
		s.history.SaveAlertAsync(alert)
	}
	return alert, nil
}

func validateAlertRequest(req *AlertRequest) error {
	if req.Type == "" {
		return fmt.Errorf("type: required")
	}
	if req.Severity == "" {
		req.Severity = "critical"
	}
	switch req.Severity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("severity: must be one of low, medium, high, critical")
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90) {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if req.Longitude != nil && (*req.Longitude < -180 || *req.Longitude > 180) {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	return nil
}
