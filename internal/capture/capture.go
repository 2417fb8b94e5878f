package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/ent0n29/ora/internal/audio"
)

// State is the recorder lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceFailure    = errors.New("capture device failure")
	ErrEmptyRecording   = errors.New("no audio recorded")
	ErrBusy             = errors.New("recorder is not idle")
)

// StopReason records what ended a recording attempt.
type StopReason string

const (
	ReasonCaller      StopReason = "caller"
	ReasonWatchdog    StopReason = "watchdog"
	ReasonDeviceError StopReason = "device_error"
	ReasonEnded       StopReason = "ended"
)

// Constraints are the capture settings requested when opening a device.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	SampleRate       int  `json:"sample_rate"`
}

// Fragment is one piece of encoded audio, or a device error.
type Fragment struct {
	Data []byte
	Err  error
}

// Device grants access to a microphone.
type Device interface {
	// Open requests capture access. A refusal must wrap ErrPermissionDenied.
	Open(ctx context.Context, c Constraints) (Stream, error)
	// Supports reports whether the device can encode mediaType.
	Supports(mediaType string) bool
}

// Stream is an opened microphone.
type Stream interface {
	// Start begins encoding. Fragments arrive roughly every timeslice; the
	// channel is closed after Stop once buffered audio has been flushed.
	Start(mediaType string, timeslice time.Duration) (<-chan Fragment, error)
	Stop()
	// Release stops every underlying capture track.
	Release()
}

// Artifact is a finished recording ready for upload. It is immutable.
type Artifact struct {
	data      []byte
	mediaType string
	duration  time.Duration
}

// NewArtifact copies data into a new artifact.
func NewArtifact(data []byte, mediaType string, duration time.Duration) Artifact {
	return Artifact{
		data:      append([]byte(nil), data...),
		mediaType: mediaType,
		duration:  duration,
	}
}

func (a Artifact) MediaType() string       { return a.mediaType }
func (a Artifact) Size() int               { return len(a.data) }
func (a Artifact) Duration() time.Duration { return a.duration }
func (a Artifact) Reader() io.Reader       { return bytes.NewReader(a.data) }

// Filename is the name used for multipart uploads.
func (a Artifact) Filename() string {
	return "recording" + audio.ExtensionFor(a.mediaType)
}

// Result is the outcome of one recording attempt. Exactly one of Artifact
// and Err is set.
type Result struct {
	Artifact  *Artifact
	Err       error
	Reason    StopReason
	Fragments int
	Elapsed   time.Duration
}
