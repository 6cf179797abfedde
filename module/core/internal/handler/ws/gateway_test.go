package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/service"
)

func newTestServer(t *testing.T, requireAuth bool, authToken string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	presence := service.NewPresenceService()
	proximity := service.NewProximityService(500)
	metrics := service.NewMetrics()
	fanout := service.NewFanoutService("test-proc", presence, nil, metrics)
	presence.SetBroadcaster(fanout)
	calls := service.NewCallService(presence)
	limiter := service.NewRateLimiter(nil)
	presence.OnEvict(func(vehicleID, reason string) {
		proximity.Remove(vehicleID)
		calls.EndAllFor(vehicleID, "peer_disconnected")
		limiter.Forget(vehicleID)
	})

	gw := NewGateway(Config{
		Presence:    presence,
		Tracking:    service.NewTrackingService(presence, proximity, nil),
		Calls:       calls,
		Alerts:      service.NewAlertService(presence, fanout, nil),
		Fanout:      fanout,
		Limiter:     limiter,
		Metrics:     metrics,
		RequireAuth: requireAuth,
		AuthToken:   authToken,
	})

	r := gin.New()
	gw.Register(r.Group("/"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// waitFor reads envelopes, discarding unrelated ones, until the wanted
// event arrives.
func waitFor(t *testing.T, conn *websocket.Conn, event string) domain.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// expectSilence asserts that event does not arrive within d.
func expectSilence(t *testing.T, conn *websocket.Conn, event string, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == event {
			t.Fatalf("unexpected %q: %s", event, env.Data)
		}
	}
}

func register(t *testing.T, conn *websocket.Conn, vehicleID string) {
	t.Helper()
	send(t, conn, domain.EventRegister, map[string]any{
		"vehicleId":  vehicleID,
		"driverName": "driver-" + vehicleID,
	})
	env := waitFor(t, conn, domain.EventRegistered)
	var body map[string]any
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body["vehicleId"] != vehicleID {
		t.Fatalf("registered ack for wrong vehicle: %v", body)
	}
}

func errorCode(t *testing.T, env domain.Envelope) domain.ErrorCode {
	t.Helper()
	var body domain.ErrorData
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatal(err)
	}
	return body.Code
}

func TestRegisterAndPresence(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")

	b := dial(t, srv, "")
	register(t, b, "VEH-B")

	// the earlier connection hears the newcomer come online
	env := waitFor(t, a, domain.EventPresenceUpdate)
	var update domain.PresenceUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.VehicleID != "VEH-B" || !update.Online {
		t.Fatalf("unexpected presence update: %+v", update)
	}

	b.Close()
	env = waitFor(t, a, domain.EventPresenceUpdate)
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.VehicleID != "VEH-B" || update.Online {
		t.Fatalf("expected offline update, got %+v", update)
	}
}

func TestTrafficBeforeRegistration(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")

	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 1.0, "longitude": 1.0})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeValidationError {
		t.Fatalf("expected validation_error, got %s", code)
	}

	// the connection survives and can still register
	register(t, conn, "VEH-A")
}

func TestAuthGate_InvalidTokenTerminates(t *testing.T) {
	srv := newTestServer(t, true, "sekrit")
	conn := dial(t, srv, "?token=wrong")

	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeAuthFailed {
		t.Fatalf("expected auth_failed, got %s", code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected connection closed, read %+v", env)
	}
}

func TestAuthGate_RegisterTokenAccepted(t *testing.T) {
	srv := newTestServer(t, true, "sekrit")

	// no credential at upgrade, valid one in the register payload
	conn := dial(t, srv, "")
	send(t, conn, domain.EventRegister, map[string]any{"vehicleId": "VEH-A", "authToken": "sekrit"})
	waitFor(t, conn, domain.EventRegistered)

	// valid bearer at upgrade, none needed in the payload
	conn2 := dial(t, srv, "?token=sekrit")
	register(t, conn2, "VEH-B")
}

func TestAuthGate_RegisterWithoutCredential(t *testing.T) {
	srv := newTestServer(t, true, "sekrit")
	conn := dial(t, srv, "")

	send(t, conn, domain.EventRegister, map[string]any{"vehicleId": "VEH-A"})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeAuthFailed {
		t.Fatalf("expected auth_failed, got %s", code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected connection closed, read %+v", env)
	}
}

func TestLocationAndProximityFlow(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")
	b := dial(t, srv, "")
	register(t, b, "VEH-B")

	send(t, a, domain.EventLocationUpdate, map[string]any{"latitude": 37.7749, "longitude": -122.4194})
	waitFor(t, a, domain.EventNearbyVehicles)

	send(t, b, domain.EventLocationUpdate, map[string]any{"latitude": 37.7752, "longitude": -122.4194})

	env := waitFor(t, b, domain.EventProximityEvent)
	var ev domain.ProximityEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventType != domain.ProximityEnter || ev.VehicleID != "VEH-B" || ev.PeerVehicleID != "VEH-A" {
		t.Fatalf("unexpected mover event: %+v", ev)
	}

	env = waitFor(t, a, domain.EventProximityEvent)
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.VehicleID != "VEH-A" || ev.PeerVehicleID != "VEH-B" {
		t.Fatalf("unexpected peer event: %+v", ev)
	}

	env = waitFor(t, b, domain.EventNearbyVehicles)
	var snap domain.NearbySnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Vehicles) != 1 || snap.Vehicles[0].VehicleID != "VEH-A" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestLocationUpdate_Validation(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")
	register(t, conn, "VEH-A")

	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 91.0, "longitude": 0.0})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeValidationError {
		t.Fatalf("expected validation_error, got %s", code)
	}

	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 10.0})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeValidationError {
		t.Fatalf("expected validation_error, got %s", code)
	}
}

func TestEmergencyAlertFanout(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")
	b := dial(t, srv, "")
	register(t, b, "VEH-B")

	send(t, a, domain.EventEmergencyAlert, map[string]any{
		"type":     "accident",
		"severity": "high",
		"message":  "collision on I-80",
	})

	env := waitFor(t, b, domain.EventEmergencyAlert)
	var alert domain.EmergencyAlert
	if err := json.Unmarshal(env.Data, &alert); err != nil {
		t.Fatal(err)
	}
	if alert.SenderID != "VEH-A" || alert.Type != "accident" || alert.ID == "" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.DriverName != "driver-VEH-A" {
		t.Errorf("expected driver name stamped, got %q", alert.DriverName)
	}

	expectSilence(t, a, domain.EventEmergencyAlert, 300*time.Millisecond)
}

func TestCallFlow(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")
	b := dial(t, srv, "")
	register(t, b, "VEH-B")

	send(t, a, domain.EventCallInitiate, map[string]any{"targetId": "VEH-B", "sdp": "v=0 offer"})

	env := waitFor(t, b, domain.EventCallInitiate)
	var offer map[string]any
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatal(err)
	}
	// sender attribution comes from the connection, not the payload
	if offer["senderId"] != "VEH-A" || offer["sdp"] != "v=0 offer" {
		t.Fatalf("unexpected offer: %v", offer)
	}

	send(t, b, domain.EventWebRTCAnswer, map[string]any{"targetId": "VEH-A", "sdp": "v=0 answer"})
	env = waitFor(t, a, domain.EventWebRTCAnswer)
	var answer map[string]any
	if err := json.Unmarshal(env.Data, &answer); err != nil {
		t.Fatal(err)
	}
	if answer["senderId"] != "VEH-B" {
		t.Fatalf("unexpected answer: %v", answer)
	}

	send(t, a, domain.EventICECandidate, map[string]any{"targetId": "VEH-B", "candidate": "c1"})
	waitFor(t, b, domain.EventICECandidate)
}

func TestCallInitiate_OfflineTarget(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")
	register(t, conn, "VEH-A")

	send(t, conn, domain.EventCallInitiate, map[string]any{"targetId": "GHOST", "sdp": "v=0"})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeTargetOffline {
		t.Fatalf("expected target_offline, got %s", code)
	}
}

func TestPeerDisconnectEndsCall(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")
	b := dial(t, srv, "")
	register(t, b, "VEH-B")

	send(t, a, domain.EventCallInitiate, map[string]any{"targetId": "VEH-B", "sdp": "v=0"})
	waitFor(t, b, domain.EventCallInitiate)

	b.Close()

	env := waitFor(t, a, domain.EventCallEnd)
	var body map[string]any
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body["senderId"] != "VEH-B" || body["reason"] != "peer_disconnected" {
		t.Fatalf("unexpected call_end: %v", body)
	}
}

func TestUnknownEventKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")
	register(t, conn, "VEH-A")

	send(t, conn, "teleport", map[string]any{})
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeUnknownEvent {
		t.Fatalf("expected unknown_event, got %s", code)
	}

	// the connection still works
	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 1.0, "longitude": 1.0})
	waitFor(t, conn, domain.EventNearbyVehicles)
}

func TestMalformedEnvelope(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeValidationError {
		t.Fatalf("expected validation_error, got %s", code)
	}

	register(t, conn, "VEH-A")
}

func TestLegacyTypePayloadEnvelope(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")

	frame := map[string]any{
		"type":    domain.EventRegister,
		"payload": map[string]any{"vehicleId": "VEH-A"},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
	waitFor(t, conn, domain.EventRegistered)
}

func TestReRegisterSameConnection(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")
	register(t, conn, "VEH-A")

	// a registration refresh (e.g. updated driver name) on the same
	// socket must ack and leave the session alive
	send(t, conn, domain.EventRegister, map[string]any{
		"vehicleId":  "VEH-A",
		"driverName": "renamed",
	})
	waitFor(t, conn, domain.EventRegistered)

	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 1.0, "longitude": 1.0})
	waitFor(t, conn, domain.EventNearbyVehicles)
}

func TestReplacedSession(t *testing.T) {
	srv := newTestServer(t, false, "")

	first := dial(t, srv, "")
	register(t, first, "VEH-A")

	second := dial(t, srv, "")
	register(t, second, "VEH-A")

	// the replaced socket is closed by the server
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env domain.Envelope
		if err := first.ReadJSON(&env); err != nil {
			break
		}
	}

	// the survivor keeps working
	send(t, second, domain.EventLocationUpdate, map[string]any{"latitude": 1.0, "longitude": 1.0})
	waitFor(t, second, domain.EventNearbyVehicles)
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t, false, "")

	a := dial(t, srv, "")
	register(t, a, "VEH-A")
	b := dial(t, srv, "")
	register(t, b, "VEH-B")
	c := dial(t, srv, "")
	register(t, c, "VEH-C")

	// broadcast when no target is named
	send(t, a, domain.EventSendMessage, map[string]any{"text": "convoy leaving"})
	waitFor(t, b, domain.EventSendMessage)
	waitFor(t, c, domain.EventSendMessage)

	// targeted
	send(t, a, domain.EventSendMessage, map[string]any{"targetId": "VEH-B", "text": "pull over"})
	env := waitFor(t, b, domain.EventSendMessage)
	var body map[string]any
	if err := json.Unmarshal(env.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body["senderId"] != "VEH-A" || body["text"] != "pull over" {
		t.Fatalf("unexpected message: %v", body)
	}
	expectSilence(t, c, domain.EventSendMessage, 300*time.Millisecond)
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(t, false, "")
	conn := dial(t, srv, "")
	register(t, conn, "VEH-A")

	// emergency_alert has a burst capacity of 3
	for i := 0; i < 3; i++ {
		send(t, conn, domain.EventEmergencyAlert, map[string]any{"type": "accident"})
	}
	send(t, conn, domain.EventEmergencyAlert, map[string]any{"type": "accident"})

	if code := errorCode(t, waitFor(t, conn, domain.EventError)); code != domain.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %s", code)
	}

	// other event types are unaffected
	send(t, conn, domain.EventLocationUpdate, map[string]any{"latitude": 1.0, "longitude": 1.0})
	waitFor(t, conn, domain.EventNearbyVehicles)
}
