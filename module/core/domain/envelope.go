package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical wire frame in both directions. Legacy clients
// that send type/payload instead of event/data are normalized at the
// gateway boundary before anything else sees the message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Event: event, Data: raw}
}

// Client -> server events.
const (
	EventRegister        = "register"
	EventHeartbeat       = "heartbeat"
	EventLocationUpdate  = "location_update"
	EventSendMessage     = "send_message"
	EventEmergencyAlert  = "emergency_alert"
	EventConnectRequest  = "connect_request"
	EventConnectResponse = "connect_response"
	EventCallInitiate    = "call_initiate"
	EventWebRTCOffer     = "webrtc_offer"
	EventWebRTCAnswer    = "webrtc_answer"
	EventICECandidate    = "ice_candidate"
	EventCallEnd         = "call_end"
)

// Server -> client events.
const (
	EventRegistered     = "registered"
	EventPresenceUpdate = "presence_update"
	EventNearbyVehicles = "nearby_vehicles"
	EventProximityEvent = "proximity_event"
	EventError          = "error"
)

type ErrorCode string

const (
	CodeAuthFailed      ErrorCode = "auth_failed"
	CodeValidationError ErrorCode = "validation_error"
	CodeUnknownEvent    ErrorCode = "unknown_event"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeTargetOffline   ErrorCode = "target_offline"
)

type ErrorData struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	TS      int64          `json:"ts"`
	Details map[string]any `json:"details,omitempty"`
}

func ErrorEnvelope(code ErrorCode, message string, details map[string]any) Envelope {
	return NewEnvelope(EventError, ErrorData{
		Code:    code,
		Message: message,
		TS:      time.Now().UnixMilli(),
		Details: details,
	})
}

// FanoutMessage is what crosses the pub/sub transport between processes.
// Origin lets every subscriber skip messages it published itself.
type FanoutMessage struct {
	Origin   string   `json:"origin"`
	Except   []string `json:"except,omitempty"`
	Envelope Envelope `json:"envelope"`
}
