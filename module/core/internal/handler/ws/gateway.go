package ws

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/service"
)

// Gateway accepts inbound websocket connections, verifies identity,
// normalizes and validates envelopes, and dispatches them to the engine
// services. Unknown events and malformed payloads answer with a structured
// error and leave the connection open; only a failed auth gate terminates.
type Gateway struct {
	upgrader websocket.Upgrader

	presence *service.PresenceService
	tracking *service.TrackingService
	calls    *service.CallService
	alerts   *service.AlertService
	fanout   *service.FanoutService
	limiter  *service.RateLimiter
	metrics  *service.Metrics

	requireAuth bool
	authToken   string
}

type Config struct {
	Presence *service.PresenceService
	Tracking *service.TrackingService
	Calls    *service.CallService
	Alerts   *service.AlertService
	Fanout   *service.FanoutService
	Limiter  *service.RateLimiter
	Metrics  *service.Metrics

	RequireAuth bool
	AuthToken   string
}

func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		presence:    cfg.Presence,
		tracking:    cfg.Tracking,
		calls:       cfg.Calls,
		alerts:      cfg.Alerts,
		fanout:      cfg.Fanout,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		requireAuth: cfg.RequireAuth,
		authToken:   cfg.AuthToken,
	}
}

func (g *Gateway) Register(r *gin.RouterGroup) {
	r.GET("/ws", g.Handle)
}

// connState is the per-connection dispatch state owned by the read loop.
type connState struct {
	sessionID  string // correlation id for logs
	remoteAddr string
	vehicleID  string
	authed     bool
}

func (g *Gateway) Handle(c *gin.Context) {
	sock, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	conn := newWSConn(sock)

	token := bearerToken(c.Request)
	st := &connState{
		sessionID:  uuid.NewString()[:8],
		remoteAddr: c.Request.RemoteAddr,
		authed:     g.verify(token),
	}

	// The auth gate is the first observable behavior: with auth required,
	// a presented-but-invalid credential means exactly one error then
	// termination, before any message is read. A connection that presented
	// nothing may still pass a token in its register payload. Written on
	// the raw socket since the pump isn't running yet.
	if g.requireAuth && token != "" && !st.authed {
		_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
		_ = sock.WriteJSON(domain.ErrorEnvelope(domain.CodeAuthFailed, "missing or invalid credential", nil))
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "auth failed")
		_ = sock.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		_ = sock.Close()
		return
	}

	go conn.writePump()
	log.Printf("ws[%s]: connected from %s", st.sessionID, st.remoteAddr)

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			break
		}
		g.metrics.MessagesIn.Add(1)

		env, err := normalizeEnvelope(raw)
		if err != nil {
			g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
			continue
		}
		log.Printf("ws[%s]: %s vehicle=%q", st.sessionID, env.Event, st.vehicleID)
		g.dispatch(conn, st, env)
	}

	if st.vehicleID != "" {
		g.presence.Disconnect(st.vehicleID, conn, "connection closed")
	}
	conn.Close("")
	log.Printf("ws[%s]: closed", st.sessionID)
}

func (g *Gateway) dispatch(conn *wsConn, st *connState, env domain.Envelope) {
	key := st.vehicleID
	if key == "" {
		key = "addr:" + st.remoteAddr
	}
	if !g.limiter.Allow(key, env.Event) {
		g.metrics.RateLimited.Add(1)
		g.sendError(conn, st, domain.CodeRateLimited, "rate limit exceeded", map[string]any{"event": env.Event})
		return
	}

	if env.Event != domain.EventRegister && st.vehicleID == "" {
		g.sendError(conn, st, domain.CodeValidationError, "register first", nil)
		return
	}

	switch env.Event {
	case domain.EventRegister:
		g.handleRegister(conn, st, env.Data)
	case domain.EventHeartbeat:
		g.presence.Heartbeat(st.vehicleID)
	case domain.EventLocationUpdate:
		g.handleLocationUpdate(conn, st, env.Data)
	case domain.EventEmergencyAlert:
		g.handleEmergencyAlert(conn, st, env.Data)
	case domain.EventCallInitiate:
		g.handleCallInitiate(conn, st, env.Data)
	case domain.EventWebRTCAnswer:
		g.handleCallAnswer(conn, st, env.Data)
	case domain.EventWebRTCOffer, domain.EventICECandidate:
		g.handleCallRelay(conn, st, env.Event, env.Data)
	case domain.EventCallEnd:
		g.handleCallEnd(conn, st, env.Data)
	case domain.EventConnectRequest, domain.EventConnectResponse:
		g.handleDirectRelay(conn, st, env.Event, env.Data)
	case domain.EventSendMessage:
		g.handleSendMessage(conn, st, env.Data)
	default:
		g.sendError(conn, st, domain.CodeUnknownEvent, fmt.Sprintf("unknown event %q", env.Event), nil)
	}
}

type registerRequest struct {
	VehicleID   string             `json:"vehicleId"`
	DriverName  string             `json:"driverName"`
	VehicleInfo domain.VehicleInfo `json:"vehicleInfo"`
	AuthToken   string             `json:"authToken"`
}

func (g *Gateway) handleRegister(conn *wsConn, st *connState, data json.RawMessage) {
	var req registerRequest
	if err := unmarshalData(data, &req); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if req.VehicleID == "" {
		g.sendError(conn, st, domain.CodeValidationError, "vehicleId: required", nil)
		return
	}

	authed := st.authed
	if g.requireAuth && !authed {
		if !g.verify(req.AuthToken) {
			g.sendError(conn, st, domain.CodeAuthFailed, "missing or invalid credential", nil)
			conn.Close("auth failed")
			return
		}
		authed = true
	}

	// A connection re-registering under a new id gives up the old one.
	if st.vehicleID != "" && st.vehicleID != req.VehicleID {
		g.presence.Disconnect(st.vehicleID, conn, "re-registered")
	}

	g.presence.Register(&domain.VehicleSession{
		VehicleID:     req.VehicleID,
		DriverName:    req.DriverName,
		Info:          req.VehicleInfo,
		Authenticated: authed,
		Conn:          conn,
	})
	st.vehicleID = req.VehicleID
	st.authed = authed

	_ = conn.Send(domain.NewEnvelope(domain.EventRegistered, map[string]any{
		"vehicleId": req.VehicleID,
		"ts":        time.Now().UnixMilli(),
	}))
}

type locationUpdate struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func validateLocationUpdate(u *locationUpdate) error {
	if u.Latitude == nil {
		return fmt.Errorf("latitude: required")
	}
	if u.Longitude == nil {
		return fmt.Errorf("longitude: required")
	}
	if *u.Latitude < -90 || *u.Latitude > 90 {
		return fmt.Errorf("latitude: must be between -90 and 90")
	}
	if *u.Longitude < -180 || *u.Longitude > 180 {
		return fmt.Errorf("longitude: must be between -180 and 180")
	}
	return nil
}

func (g *Gateway) handleLocationUpdate(conn *wsConn, st *connState, data json.RawMessage) {
	var u locationUpdate
	if err := unmarshalData(data, &u); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := validateLocationUpdate(&u); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := g.tracking.HandleLocation(st.vehicleID, *u.Latitude, *u.Longitude); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
	}
}

func (g *Gateway) handleEmergencyAlert(conn *wsConn, st *connState, data json.RawMessage) {
	var req service.AlertRequest
	if err := unmarshalData(data, &req); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if _, err := g.alerts.Send(st.vehicleID, &req); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	g.metrics.Emergencies.Add(1)
}

type targetedPayload struct {
	TargetID string `json:"targetId"`
}

func target(data json.RawMessage) (string, error) {
	var p targetedPayload
	if err := unmarshalData(data, &p); err != nil {
		return "", err
	}
	if p.TargetID == "" {
		return "", fmt.Errorf("targetId: required")
	}
	return p.TargetID, nil
}

func (g *Gateway) handleCallInitiate(conn *wsConn, st *connState, data json.RawMessage) {
	targetID, err := target(data)
	if err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := g.calls.Initiate(st.vehicleID, targetID, stampSender(data, st.vehicleID)); err != nil {
		g.sendServiceError(conn, st, err)
		return
	}
	g.metrics.CallsStarted.Add(1)
}

func (g *Gateway) handleCallAnswer(conn *wsConn, st *connState, data json.RawMessage) {
	targetID, err := target(data)
	if err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := g.calls.Answer(st.vehicleID, targetID, stampSender(data, st.vehicleID)); err != nil {
		g.sendServiceError(conn, st, err)
	}
}

func (g *Gateway) handleCallRelay(conn *wsConn, st *connState, event string, data json.RawMessage) {
	targetID, err := target(data)
	if err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := g.calls.Relay(st.vehicleID, targetID, event, stampSender(data, st.vehicleID)); err != nil {
		g.sendServiceError(conn, st, err)
	}
}

func (g *Gateway) handleCallEnd(conn *wsConn, st *connState, data json.RawMessage) {
	targetID, err := target(data)
	if err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	g.calls.End(st.vehicleID, targetID, stampSender(data, st.vehicleID))
}

func (g *Gateway) handleDirectRelay(conn *wsConn, st *connState, event string, data json.RawMessage) {
	targetID, err := target(data)
	if err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	if err := g.presence.Send(targetID, domain.Envelope{Event: event, Data: stampSender(data, st.vehicleID)}); err != nil {
		g.sendServiceError(conn, st, err)
	}
}

// send_message goes to targetId when one is named, otherwise to everyone
// else.
func (g *Gateway) handleSendMessage(conn *wsConn, st *connState, data json.RawMessage) {
	var p targetedPayload
	if err := unmarshalData(data, &p); err != nil {
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
		return
	}
	stamped := stampSender(data, st.vehicleID)
	if p.TargetID != "" {
		if err := g.presence.Send(p.TargetID, domain.Envelope{Event: domain.EventSendMessage, Data: stamped}); err != nil {
			g.sendServiceError(conn, st, err)
		}
		return
	}
	g.fanout.Broadcast(domain.Envelope{Event: domain.EventSendMessage, Data: stamped}, st.vehicleID)
}

func (g *Gateway) sendServiceError(conn *wsConn, st *connState, err error) {
	switch {
	case errors.Is(err, service.ErrTargetOffline):
		g.sendError(conn, st, domain.CodeTargetOffline, err.Error(), nil)
	case errors.Is(err, service.ErrNotRegistered):
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
	default:
		g.sendError(conn, st, domain.CodeValidationError, err.Error(), nil)
	}
}

func (g *Gateway) sendError(conn *wsConn, st *connState, code domain.ErrorCode, message string, details map[string]any) {
	g.metrics.ErrorsSent.Add(1)
	log.Printf("ws[%s]: error %s: %s", st.sessionID, code, message)
	_ = conn.Send(domain.ErrorEnvelope(code, message, details))
}

// verify checks the presented credential against the configured shared
// token. Always false when no token is configured.
func (g *Gateway) verify(token string) bool {
	if g.authToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.authToken)) == 1
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type rawEnvelope struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// normalizeEnvelope collapses the event/type and data/payload key duality
// of legacy clients into the canonical envelope before dispatch.
func normalizeEnvelope(raw []byte) (domain.Envelope, error) {
	var re rawEnvelope
	if err := json.Unmarshal(raw, &re); err != nil {
		return domain.Envelope{}, fmt.Errorf("malformed envelope: %v", err)
	}
	event := re.Event
	if event == "" {
		event = re.Type
	}
	if event == "" {
		return domain.Envelope{}, fmt.Errorf("event: required")
	}
	data := re.Data
	if data == nil {
		data = re.Payload
	}
	return domain.Envelope{Event: event, Data: data}, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if data == nil {
		return fmt.Errorf("data: required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %v", err)
	}
	return nil
}

// stampSender attributes a relayed payload to its origin so recipients
// never trust a client-supplied sender id.
func stampSender(data json.RawMessage, senderID string) json.RawMessage {
	m := map[string]any{}
	if data != nil {
		_ = json.Unmarshal(data, &m)
	}
	m["senderId"] = senderID
	out, _ := json.Marshal(m)
	return out
}
