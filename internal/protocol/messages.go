package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client → server.
	TypeClientControl    MessageType = "client_control"
	TypeChatMessage      MessageType = "chat_message"
	TypeClientDraft      MessageType = "client_draft"
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeDeviceEvent      MessageType = "device_event"

	// Server → client.
	TypeCaptureState    MessageType = "capture_state"
	TypeStatus          MessageType = "status"
	TypeTranscriptEntry MessageType = "transcript_entry"
	TypeEmotionResult   MessageType = "emotion_result"
	TypeInputCleared    MessageType = "input_cleared"
	TypeErrorEvent      MessageType = "error_event"

	// Server → client, addressed to the page acting as the microphone.
	TypeCaptureRequest MessageType = "capture_request"
	TypeCaptureStart   MessageType = "capture_start"
	TypeCaptureStop    MessageType = "capture_stop"
	TypeCaptureRelease MessageType = "capture_release"
)

// Control actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Device event kinds reported by the page.
const (
	DeviceGranted = "granted"
	DeviceDenied  = "denied"
	DeviceError   = "error"
	DeviceStopped = "stopped"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientDraft mirrors the pending input box so the server can clear it.
type ClientDraft struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

type DeviceEvent struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Event          string      `json:"event"`
	SupportedTypes []string    `json:"supported_types,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

type CaptureState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	CanRecord bool        `json:"can_record"`
	CanStop   bool        `json:"can_stop"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type TranscriptEntry struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       int         `json:"seq"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
}

type Emotion struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

type EmotionResult struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Emotions       []Emotion   `json:"emotions"`
	Summary        string      `json:"summary"`
	Dominant       string      `json:"dominant,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

type InputCleared struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type CaptureRequest struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	EchoCancellation bool        `json:"echo_cancellation"`
	NoiseSuppression bool        `json:"noise_suppression"`
	SampleRate       int         `json:"sample_rate"`
	PreferredTypes   []string    `json:"preferred_types"`
}

type CaptureStart struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	MediaType   string      `json:"media_type"`
	TimesliceMS int64       `json:"timeslice_ms"`
}

// CaptureStop asks the page to stop its recorder and flush pending data.
type CaptureStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// CaptureRelease asks the page to stop every microphone track.
type CaptureRelease struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// TypeOf returns the wire type of a server or client message.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case ClientControl:
		return m.Type
	case ChatMessage:
		return m.Type
	case ClientDraft:
		return m.Type
	case ClientAudioChunk:
		return m.Type
	case DeviceEvent:
		return m.Type
	case CaptureState:
		return m.Type
	case Status:
		return m.Type
	case TranscriptEntry:
		return m.Type
	case EmotionResult:
		return m.Type
	case InputCleared:
		return m.Type
	case ErrorEvent:
		return m.Type
	case CaptureRequest:
		return m.Type
	case CaptureStart:
		return m.Type
	case CaptureStop:
		return m.Type
	case CaptureRelease:
		return m.Type
	default:
		return ""
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action != ActionStart && msg.Action != ActionStop {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid chat_message")
		}
		// Blank text is allowed through; sending it is a no-op downstream.
		return msg, nil
	case TypeClientDraft:
		var msg ClientDraft
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_draft")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Seq < 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeDeviceEvent:
		var msg DeviceEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Event = strings.ToLower(strings.TrimSpace(msg.Event))
		switch msg.Event {
		case DeviceGranted, DeviceDenied, DeviceError, DeviceStopped:
		default:
			return nil, fmt.Errorf("invalid device_event %q", msg.Event)
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid device_event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
