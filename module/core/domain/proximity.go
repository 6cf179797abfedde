package domain

type ProximityEventType string

const (
	ProximityEnter ProximityEventType = "enter"
	ProximityExit  ProximityEventType = "exit"
)

// ProximityEvent is always phrased from the recipient's point of view:
// VehicleID is the recipient, PeerVehicleID the vehicle that entered or
// left its radius.
type ProximityEvent struct {
	EventType     ProximityEventType `json:"eventType"`
	VehicleID     string             `json:"vehicleId"`
	PeerVehicleID string             `json:"peerVehicleId"`
	DistanceM     float64            `json:"distanceM"`
	TS            int64              `json:"ts"`
}

// Swapped returns the symmetric event for the peer side of the pair.
func (e ProximityEvent) Swapped() ProximityEvent {
	e.VehicleID, e.PeerVehicleID = e.PeerVehicleID, e.VehicleID
	return e
}

type NearbyVehicle struct {
	VehicleID  string  `json:"vehicleId"`
	DriverName string  `json:"driverName,omitempty"`
	DistanceM  float64 `json:"distanceM"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

type NearbySnapshot struct {
	Vehicles []NearbyVehicle `json:"vehicles"`
	TS       int64           `json:"ts"`
}
