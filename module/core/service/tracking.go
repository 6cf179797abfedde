package service

import (
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

// TrackingService is the single location-update pipeline shared by the
// WebSocket gateway and the MQTT telemetry bridge: presence coordinate
// update, proximity recompute, targeted enter/exit delivery, nearby
// snapshot, async persistence.
type TrackingService struct {
	presence  *PresenceService
	proximity *ProximityService
	history   *HistoryService // nil when persistence is disabled
	now       func() time.Time
}

func NewTrackingService(presence *PresenceService, proximity *ProximityService, history *HistoryService) *TrackingService {
	return &TrackingService{
		presence:  presence,
		proximity: proximity,
		history:   history,
		now:       time.Now,
	}
}

// HandleLocation processes one accepted location fix for a registered
// vehicle. Proximity events go to both members of each transitioning pair;
// the consolidated nearby snapshot goes to the mover only.
func (s *TrackingService) HandleLocation(vehicleID string, lat, lon float64) error {
	if !s.presence.UpdateLocation(vehicleID, lat, lon) {
		return ErrNotRegistered
	}

	res := s.proximity.Update(vehicleID, lat, lon)

	for _, ev := range res.Events {
		_ = s.presence.Send(vehicleID, domain.NewEnvelope(domain.EventProximityEvent, ev))
		_ = s.presence.Send(ev.PeerVehicleID, domain.NewEnvelope(domain.EventProximityEvent, ev.Swapped()))
	}

	nearby := res.Nearby
	for i := range nearby {
		if sess, ok := s.presence.Lookup(nearby[i].VehicleID); ok {
			nearby[i].DriverName = sess.DriverName
		}
	}
	if nearby == nil {
		nearby = []domain.NearbyVehicle{}
	}
	_ = s.presence.Send(vehicleID, domain.NewEnvelope(domain.EventNearbyVehicles, domain.NearbySnapshot{
		Vehicles: nearby,
		TS:       s.now().UnixMilli(),
	}))

	if s.history != nil {
		s.history.SaveLocationAsync(&domain.VehicleLocation{
			VehicleID: vehicleID,
			Location:  domain.Location{Lat: lat, Lon: lon, Timestamp: s.now()},
		})
	}
	return nil
}
