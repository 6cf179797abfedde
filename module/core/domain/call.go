package domain

import "time"

type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// CallSession tracks one caller/callee pair through the signaling exchange.
// The engine relays SDP and ICE bodies opaquely; the session only records
// where in ringing -> active -> ended the pair is.
type CallSession struct {
	CallerID     string
	CalleeID     string
	State        CallState
	StartedAt    time.Time
	AnsweredAt   time.Time
	EndedAt      time.Time
	LastSignalAt time.Time
}
