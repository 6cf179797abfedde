package domain

import "time"

type Location struct {
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// VehicleLocation is the shape written to the external history sink; the
// live position lives on the VehicleSession.
type VehicleLocation struct {
	VehicleID string   `json:"vehicle_id"`
	Location  Location `json:"location"`
}

type HistoryQuery struct {
	VehicleID string
	Start     time.Time
	End       time.Time
}
