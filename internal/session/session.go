package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInUse is returned by Attach while another owner holds the session.
var ErrInUse = errors.New("session already attached")

// New returns an active session with a fresh id and an empty transcript.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		StartedAt:      now,
		status:         StatusActive,
		lastActivityAt: now,
		recordingState: "idle",
	}
}

// Attach claims s for a single live owner (one coordinator). The returned
// detach func releases the claim and is safe to call more than once.
func (s *Session) Attach() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return nil, ErrInUse
	}
	s.attached = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.attached = false
			s.mu.Unlock()
		})
	}, nil
}

// OnAppend registers fn to observe every transcript append, in order, and
// returns a func that removes it. fn must not append to the same session.
func (s *Session) OnAppend(fn func(Entry)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Append adds an entry to the transcript and returns it.
func (s *Session) Append(role Role, text string) Entry {
	s.mu.Lock()
	now := time.Now().UTC()
	e := Entry{
		Seq:  len(s.transcript) + 1,
		Role: role,
		Text: text,
		At:   now,
	}
	s.transcript = append(s.transcript, e)
	s.lastActivityAt = now
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.notifyMu.Lock()
	s.mu.Unlock()

	defer s.notifyMu.Unlock()
	for _, l := range listeners {
		l.fn(e)
	}
	return e
}

// Transcript returns a copy of all entries in append order.
func (s *Session) Transcript() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// ConversationID reports the id bound by the last successful analysis.
func (s *Session) ConversationID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID, s.conversationID != ""
}

func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	s.lastActivityAt = time.Now().UTC()
}

func (s *Session) RecordingState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordingState
}

func (s *Session) SetRecordingState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingState = state
	s.lastActivityAt = time.Now().UTC()
}

// Draft is the pending chat input owned by the surrounding UI.
func (s *Session) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

func (s *Session) ClearDraft() {
	s.SetDraft("")
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transcript := make([]Entry, len(s.transcript))
	copy(transcript, s.transcript)
	return Snapshot{
		SessionID:      s.ID,
		Status:         s.status,
		RecordingState: s.recordingState,
		ConversationID: s.conversationID,
		Transcript:     transcript,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.lastActivityAt,
	}
}

func (s *Session) end(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return false
	}
	s.status = StatusEnded
	s.lastActivityAt = now
	return true
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActivityAt)
}
