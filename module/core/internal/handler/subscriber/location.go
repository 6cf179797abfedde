package subscriber

import (
	"encoding/json"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const topicPattern = "/fleet/vehicle/+/location"

// locationTracker is the shared tracking pipeline; ErrNotRegistered means
// the vehicle has no live relay session.
type locationTracker interface {
	HandleLocation(vehicleID string, lat, lon float64) error
}

// locationMessage is the device payload as fleet hardware publishes it;
// snake_case by contract with the devices, unlike the websocket envelopes.
type locationMessage struct {
	VehicleID string  `json:"vehicle_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// LocationSubscriber bridges MQTT telemetry into the relay: validated
// fixes for registered vehicles run the same presence/proximity pipeline
// as websocket location updates. Fixes for unknown vehicles are dropped.
type LocationSubscriber struct {
	client   mqtt.Client
	tracking locationTracker
}

func NewLocationSubscriber(client mqtt.Client, tracking locationTracker) *LocationSubscriber {
	return &LocationSubscriber{
		client:   client,
		tracking: tracking,
	}
}

func (s *LocationSubscriber) Start() error {
	token := s.client.Subscribe(topicPattern, 1, s.handleMessage)
	token.Wait()
	return token.Error()
}

func (s *LocationSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw locationMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		log.Printf("telemetry: invalid location message: %v", err)
		return
	}

	if err := validateLocationMessage(&raw); err != nil {
		log.Printf("telemetry: validation error: %v", err)
		return
	}

	if err := s.tracking.HandleLocation(raw.VehicleID, raw.Latitude, raw.Longitude); err != nil {
		log.Printf("telemetry: dropping fix for %s: %v", raw.VehicleID, err)
	}
}

func validateLocationMessage(msg *locationMessage) error {
	if msg.VehicleID == "" {
		return fmt.Errorf("vehicle_id: required")
	}
	if msg.Latitude < -90 || msg.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if msg.Longitude < -180 || msg.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	if msg.Timestamp <= 0 {
		return fmt.Errorf("timestamp: must be positive")
	}
	return nil
}
