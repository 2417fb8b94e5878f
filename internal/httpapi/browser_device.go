package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/audio"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/protocol"
)

// defaultFragmentBuffer holds far more than one maximum-length recording.
const defaultFragmentBuffer = 256

// defaultStopGrace bounds how long a stopped page may take to flush its
// final chunk before the stream is closed without it.
const defaultStopGrace = 2 * time.Second

// browserDevice treats the page on the other end of the websocket as the
// microphone. Requests go out through send; the page answers with
// device_event and client_audio_chunk messages routed to HandleClientMessage.
type browserDevice struct {
	sessionID string
	send      func(any) bool
	stopGrace time.Duration
	// fragBuffer sizes each stream's fragment channel.
	fragBuffer int
	// onDrop, if set, is called for every audio chunk dropped on a full buffer.
	onDrop func()

	mu        sync.Mutex
	supported map[string]bool
	pending   chan protocol.DeviceEvent
	stream    *browserStream
}

func newBrowserDevice(sessionID string, send func(any) bool) *browserDevice {
	return &browserDevice{
		sessionID:  sessionID,
		send:       send,
		stopGrace:  defaultStopGrace,
		fragBuffer: defaultFragmentBuffer,
		supported:  make(map[string]bool),
	}
}

func (d *browserDevice) Supports(mediaType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supported[audio.BaseMediaType(mediaType)]
}

func (d *browserDevice) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	reply := make(chan protocol.DeviceEvent, 1)
	d.mu.Lock()
	if d.stream != nil && !d.stream.isReleased() {
		d.mu.Unlock()
		return nil, errors.New("browser microphone already open")
	}
	d.pending = reply
	d.mu.Unlock()

	ok := d.send(protocol.CaptureRequest{
		Type:             protocol.TypeCaptureRequest,
		SessionID:        d.sessionID,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		SampleRate:       c.SampleRate,
		PreferredTypes:   audio.PreferredMediaTypes,
	})
	if !ok {
		d.clearPending(reply)
		return nil, errors.New("browser connection closed")
	}

	var ev protocol.DeviceEvent
	select {
	case ev = <-reply:
	case <-ctx.Done():
		d.clearPending(reply)
		return nil, ctx.Err()
	}

	switch ev.Event {
	case protocol.DeviceGranted:
		s := &browserStream{dev: d}
		d.mu.Lock()
		d.supported = make(map[string]bool, len(ev.SupportedTypes))
		for _, mt := range ev.SupportedTypes {
			d.supported[audio.BaseMediaType(mt)] = true
		}
		d.stream = s
		d.mu.Unlock()
		return s, nil
	case protocol.DeviceDenied:
		return nil, fmt.Errorf("%w: %s", capture.ErrPermissionDenied, detailOr(ev.Detail, "denied by browser"))
	default:
		return nil, fmt.Errorf("browser microphone: %s", detailOr(ev.Detail, "unavailable"))
	}
}

// HandleClientMessage routes device_event and client_audio_chunk messages.
func (d *browserDevice) HandleClientMessage(msg any) {
	switch m := msg.(type) {
	case protocol.DeviceEvent:
		d.mu.Lock()
		pending := d.pending
		stream := d.stream
		switch m.Event {
		case protocol.DeviceGranted, protocol.DeviceDenied:
			d.pending = nil
		case protocol.DeviceError:
			if pending != nil {
				d.pending = nil
			}
		}
		d.mu.Unlock()

		switch {
		case pending != nil && m.Event != protocol.DeviceStopped:
			pending <- m
		case m.Event == protocol.DeviceError && stream != nil:
			stream.fail(detailOr(m.Detail, "microphone error"))
		case m.Event == protocol.DeviceStopped && stream != nil:
			stream.closeFragments()
		}
	case protocol.ClientAudioChunk:
		d.mu.Lock()
		stream := d.stream
		d.mu.Unlock()
		if stream == nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(m.AudioBase64)
		if err != nil {
			stream.fail("undecodable audio chunk")
			return
		}
		stream.push(data)
	}
}

func (d *browserDevice) clearPending(ch chan protocol.DeviceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == ch {
		d.pending = nil
	}
}

type browserStream struct {
	dev *browserDevice

	mu       sync.Mutex
	frags    chan capture.Fragment
	stopping bool
	closed   bool
	released bool
	timer    *time.Timer
}

func (s *browserStream) Start(mediaType string, timeslice time.Duration) (<-chan capture.Fragment, error) {
	s.mu.Lock()
	if s.frags != nil {
		s.mu.Unlock()
		return nil, errors.New("stream already started")
	}
	s.frags = make(chan capture.Fragment, s.dev.fragBuffer)
	frags := s.frags
	s.mu.Unlock()

	if !s.dev.send(protocol.CaptureStart{
		Type:        protocol.TypeCaptureStart,
		SessionID:   s.dev.sessionID,
		MediaType:   mediaType,
		TimesliceMS: timeslice.Milliseconds(),
	}) {
		return nil, errors.New("browser connection closed")
	}
	return frags, nil
}

func (s *browserStream) push(data []byte) {
	s.mu.Lock()
	if s.frags == nil || s.closed {
		s.mu.Unlock()
		return
	}
	dropped := false
	select {
	case s.frags <- capture.Fragment{Data: data}:
	default:
		dropped = true
	}
	s.mu.Unlock()

	if dropped {
		logrus.WithField("session_id", s.dev.sessionID).Warn("audio chunk dropped: fragment buffer full")
		if s.dev.onDrop != nil {
			s.dev.onDrop()
		}
	}
}

// fail delivers a stream error. On a full buffer the oldest queued chunk
// gives way, since the attempt is lost either way.
func (s *browserStream) fail(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frags == nil || s.closed {
		return
	}
	f := capture.Fragment{Err: errors.New(detail)}
	select {
	case s.frags <- f:
		return
	default:
	}
	select {
	case <-s.frags:
	default:
	}
	// Every sender holds s.mu, so the slot just freed is still free.
	select {
	case s.frags <- f:
	default:
	}
}

// Stop asks the page to stop and flush. The fragment channel closes when the
// page reports stopped, or after the grace period.
func (s *browserStream) Stop() {
	s.mu.Lock()
	if s.stopping || s.closed {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.timer = time.AfterFunc(s.dev.stopGrace, s.closeFragments)
	s.mu.Unlock()

	if !s.dev.send(protocol.CaptureStop{Type: protocol.TypeCaptureStop, SessionID: s.dev.sessionID}) {
		s.closeFragments()
	}
}

func (s *browserStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.closeFragments()
	s.dev.send(protocol.CaptureRelease{Type: protocol.TypeCaptureRelease, SessionID: s.dev.sessionID})
}

func (s *browserStream) closeFragments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.frags != nil {
		close(s.frags)
	}
}

func (s *browserStream) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func detailOr(detail, fallback string) string {
	if d := strings.TrimSpace(detail); d != "" {
		return d
	}
	return fallback
}
