package subscriber

import (
	"encoding/json"
	"errors"
	"testing"
)

type mockTracker struct {
	handleLocationFn func(vehicleID string, lat, lon float64) error
}

func (m *mockTracker) HandleLocation(vehicleID string, lat, lon float64) error {
	return m.handleLocationFn(vehicleID, lat, lon)
}

type fakeMQTTMessage struct {
	payload []byte
}

func (f *fakeMQTTMessage) Duplicate() bool   { return false }
func (f *fakeMQTTMessage) Qos() byte         { return 0 }
func (f *fakeMQTTMessage) Retained() bool    { return false }
func (f *fakeMQTTMessage) Topic() string     { return "/fleet/vehicle/B1234XYZ/location" }
func (f *fakeMQTTMessage) MessageID() uint16 { return 0 }
func (f *fakeMQTTMessage) Payload() []byte   { return f.payload }
func (f *fakeMQTTMessage) Ack()              {}

func TestHandleMessage_Success(t *testing.T) {
	var gotID string
	var gotLat, gotLon float64

	sub := &LocationSubscriber{tracking: &mockTracker{
		handleLocationFn: func(vehicleID string, lat, lon float64) error {
			gotID, gotLat, gotLon = vehicleID, lat, lon
			return nil
		},
	}}

	msg := locationMessage{
		VehicleID: "B1234XYZ",
		Latitude:  -6.2088,
		Longitude: 106.8456,
		Timestamp: 1715003456,
	}
	payload, _ := json.Marshal(msg)
	sub.handleMessage(nil, &fakeMQTTMessage{payload: payload})

	if gotID != "B1234XYZ" {
		t.Errorf("expected B1234XYZ, got %s", gotID)
	}
	if gotLat != -6.2088 || gotLon != 106.8456 {
		t.Errorf("expected -6.2088,106.8456, got %f,%f", gotLat, gotLon)
	}
}

func TestHandleMessage_InvalidJSON(t *testing.T) {
	called := false
	sub := &LocationSubscriber{tracking: &mockTracker{
		handleLocationFn: func(string, float64, float64) error {
			called = true
			return nil
		},
	}}

	sub.handleMessage(nil, &fakeMQTTMessage{payload: []byte("not json")})

	if called {
		t.Error("expected invalid payload to be dropped")
	}
}

func TestHandleMessage_ValidationFailure(t *testing.T) {
	called := false
	sub := &LocationSubscriber{tracking: &mockTracker{
		handleLocationFn: func(string, float64, float64) error {
			called = true
			return nil
		},
	}}

	cases := []locationMessage{
		{VehicleID: "", Latitude: 1, Longitude: 1, Timestamp: 1715003456},
		{VehicleID: "B1234XYZ", Latitude: 91, Longitude: 1, Timestamp: 1715003456},
		{VehicleID: "B1234XYZ", Latitude: 1, Longitude: 181, Timestamp: 1715003456},
		{VehicleID: "B1234XYZ", Latitude: 1, Longitude: 1, Timestamp: 0},
	}
	for _, msg := range cases {
		payload, _ := json.Marshal(msg)
		sub.handleMessage(nil, &fakeMQTTMessage{payload: payload})
	}

	if called {
		t.Error("expected invalid fixes to be dropped")
	}
}

func TestHandleMessage_UnregisteredVehicleDropped(t *testing.T) {
	sub := &LocationSubscriber{tracking: &mockTracker{
		handleLocationFn: func(string, float64, float64) error {
			return errors.New("vehicle is not registered")
		},
	}}

	msg := locationMessage{VehicleID: "B1234XYZ", Latitude: 1, Longitude: 1, Timestamp: 1715003456}
	payload, _ := json.Marshal(msg)
	// must not panic or propagate; the fix is just logged and dropped
	sub.handleMessage(nil, &fakeMQTTMessage{payload: payload})
}

func TestValidateLocationMessage(t *testing.T) {
	valid := locationMessage{VehicleID: "B1234XYZ", Latitude: -6.2088, Longitude: 106.8456, Timestamp: 1715003456}
	if err := validateLocationMessage(&valid); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}

	boundary := locationMessage{VehicleID: "B1234XYZ", Latitude: 90, Longitude: -180, Timestamp: 1}
	if err := validateLocationMessage(&boundary); err != nil {
		t.Errorf("expected boundary values accepted, got %v", err)
	}
}
