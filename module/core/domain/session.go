package domain

import "time"

// Sender is the send-capable handle a session holds on its connection.
// Implementations must be safe for concurrent use and must make Close
// idempotent.
type Sender interface {
	Send(env Envelope) error
	Close(reason string)
}

type VehicleInfo struct {
	Make        string `json:"make,omitempty"`
	Model       string `json:"model,omitempty"`
	PlateNumber string `json:"plateNumber,omitempty"`
	Color       string `json:"color,omitempty"`
}

// VehicleSession is one connected identity. At most one live session exists
// per VehicleID; a re-registration evicts the previous one with close
// reason "replaced".
type VehicleSession struct {
	VehicleID     string
	DriverName    string
	Info          VehicleInfo
	LastLat       *float64
	LastLon       *float64
	LastSeenAt    time.Time
	Authenticated bool
	Conn          Sender
}

type PresenceUpdate struct {
	VehicleID  string       `json:"vehicleId"`
	Online     bool         `json:"online"`
	DriverName string       `json:"driverName,omitempty"`
	Info       *VehicleInfo `json:"vehicleInfo,omitempty"`
	TS         int64        `json:"ts"`
}
