package domain

// EmergencyAlert is immutable once stamped. DriverName and Info are a
// snapshot of the sender's registration so recipients need no lookup.
type EmergencyAlert struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	Type       string      `json:"type"`
	Severity   string      `json:"severity"`
	Message    string      `json:"message,omitempty"`
	Latitude   *float64    `json:"latitude,omitempty"`
	Longitude  *float64    `json:"longitude,omitempty"`
	DriverName string      `json:"driverName,omitempty"`
	Info       VehicleInfo `json:"vehicleInfo,omitempty"`
	CreatedAt  int64       `json:"createdAt"`
}
