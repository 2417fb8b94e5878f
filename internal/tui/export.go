package tui

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/ora/internal/session"
)

type transcriptDoc struct {
	SessionID      string     `yaml:"session_id"`
	ConversationID string     `yaml:"conversation_id,omitempty"`
	StartedAt      time.Time  `yaml:"started_at"`
	ExportedAt     time.Time  `yaml:"exported_at"`
	Entries        []entryDoc `yaml:"entries"`
}

type entryDoc struct {
	Seq  int       `yaml:"seq"`
	Role string    `yaml:"role"`
	Text string    `yaml:"text"`
	At   time.Time `yaml:"at"`
}

// WriteTranscript encodes a session snapshot as YAML.
func WriteTranscript(w io.Writer, snap session.Snapshot, now time.Time) error {
	doc := transcriptDoc{
		SessionID:      snap.SessionID,
		ConversationID: snap.ConversationID,
		StartedAt:      snap.StartedAt.UTC(),
		ExportedAt:     now.UTC(),
		Entries:        make([]entryDoc, 0, len(snap.Transcript)),
	}
	for _, e := range snap.Transcript {
		doc.Entries = append(doc.Entries, entryDoc{Seq: e.Seq, Role: string(e.Role), Text: e.Text, At: e.At.UTC()})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return enc.Close()
}

// ExportTranscript writes the snapshot to path, replacing any existing file.
func ExportTranscript(path string, snap session.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTranscript(f, snap, time.Now()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
