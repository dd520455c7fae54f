package protocol

import "time"

// TranscriptEvent is broadcast whenever the recognition engine produces a
// batch. Interim events carry the full replacement text, never a delta.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Interim   bool      `json:"interim"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelSample is a normalized 0-100 loudness reading for the visualizer.
type LevelSample struct {
	SessionID string    `json:"session_id"`
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus reflects controller state transitions.
type SessionStatus struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notice is a user-facing error surfaced to hosts (permission refusals,
// unsupported platform, terminal recognition failures).
type Notice struct {
	SessionID string    `json:"session_id,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CapabilityAnnounce advertises which capture capabilities a node carries so
// hosts can disable controls the platform cannot serve.
type CapabilityAnnounce struct {
	NodeID       string    `json:"node_id"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial  = "capture.transcript.partial"
	SubjectTranscriptFinal    = "capture.transcript.final"
	SubjectSessionTranscript  = "capture.transcript.session"
	SubjectSessionSend        = "capture.transcript.send"
	SubjectLevel              = "capture.level"
	SubjectSessionStatus      = "capture.session.status"
	SubjectNotice             = "capture.notice"
	SubjectCapabilityAnnounce = "capture.capability.announce"
	SubjectCapabilityBeat     = "capture.capability.heartbeat"
)

const (
	CapabilityRecognition = "speech.recognition"
	CapabilityLevel       = "audio.level"
)
