package domain

import "time"

// EventType enumerates everything the subsystem reports to UI/analytics.
type EventType string

const (
	EventConnect         EventType = "connect"
	EventDisconnect      EventType = "disconnect"
	EventProgress        EventType = "progress"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
	EventSecurity        EventType = "security"
	EventBandwidthChange EventType = "bandwidthChange"
	EventStop            EventType = "stop"
)

type ProgressPayload struct {
	Progress    float64 `json:"progress"`
	Speed       int64   `json:"speed"`
	Peers       int     `json:"peers"`
	ETASeconds  int64   `json:"etaSeconds"`
	HealthScore float64 `json:"healthScore"`
}

type CompletePayload struct {
	Verified bool `json:"verified"`
}

type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type SecurityPayload struct {
	Kind        string   `json:"kind"`
	PeerAddress PeerAddr `json:"peerAddress,omitempty"`
}

// BandwidthAction describes what the resource governor did.
type BandwidthAction string

const (
	BandwidthPauseSeeding  BandwidthAction = "pause_seeding"
	BandwidthResumeSeeding BandwidthAction = "resume_seeding"
	BandwidthLimitChange   BandwidthAction = "limit_change"
)

type BandwidthPayload struct {
	Action BandwidthAction `json:"action"`
	Reason string          `json:"reason"`
}

// Event is the closed union delivered to observers. Exactly one payload
// pointer is set, matching Type.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID SessionID        `json:"sessionId,omitempty"`
	Peer      PeerAddr         `json:"peer,omitempty"`
	Progress  *ProgressPayload `json:"progress,omitempty"`
	Complete  *CompletePayload `json:"complete,omitempty"`
	Error     *ErrorPayload    `json:"error,omitempty"`
	Security  *SecurityPayload `json:"security,omitempty"`
	Bandwidth *BandwidthPayload `json:"bandwidth,omitempty"`
	At        time.Time        `json:"at"`
}
