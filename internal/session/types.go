package session

import (
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Role tags a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Entry is one line of the conversation transcript.
type Entry struct {
	Seq  int       `json:"seq"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the per-page (or per-run) mutable state shared by the recorder,
// analyzer and chat client. Transcript and conversation id live until the
// session ends; recording state is overwritten by every attempt.
type Session struct {
	ID        string
	StartedAt time.Time

	mu             sync.RWMutex
	status         Status
	lastActivityAt time.Time
	recordingState string
	conversationID string
	draft          string
	transcript     []Entry
	listeners      []listener
	nextListener   int
	attached       bool

	// notifyMu keeps listener delivery in transcript order.
	notifyMu sync.Mutex
}

type listener struct {
	id int
	fn func(Entry)
}

// Snapshot is the JSON view of a session.
type Snapshot struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	RecordingState string    `json:"recording_state"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Transcript     []Entry   `json:"transcript"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
