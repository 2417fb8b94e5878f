package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/ora/internal/audio"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/protocol"
)

func TestBrowserDeviceGrantedStreamsChunks(t *testing.T) {
	sent := make(chan any, 16)
	dev := newBrowserDevice("s1", func(m any) bool { sent <- m; return true })

	opened := make(chan capture.Stream, 1)
	go func() {
		s, err := dev.Open(context.Background(), capture.Constraints{SampleRate: 16000})
		if err != nil {
			t.Errorf("Open() error = %v", err)
		}
		opened <- s
	}()

	req := nextSent(t, sent)
	if cr, ok := req.(protocol.CaptureRequest); !ok || cr.SampleRate != 16000 {
		t.Fatalf("first message = %#v, want capture_request", req)
	}
	dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceGranted, SupportedTypes: []string{audio.MediaWAV}})

	stream := <-opened
	if stream == nil {
		t.Fatalf("Open() returned no stream")
	}
	if !dev.Supports(audio.MediaWAV) || dev.Supports(audio.MediaWebM) {
		t.Fatalf("supported types not taken from the page")
	}

	frags, err := stream.Start(audio.MediaWAV, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if cs, ok := nextSent(t, sent).(protocol.CaptureStart); !ok || cs.TimesliceMS != 100 {
		t.Fatalf("expected capture_start with 100ms timeslice")
	}

	dev.HandleClientMessage(protocol.ClientAudioChunk{AudioBase64: base64.StdEncoding.EncodeToString([]byte("RIFF"))})
	stream.Stop()
	if _, ok := nextSent(t, sent).(protocol.CaptureStop); !ok {
		t.Fatalf("expected capture_stop")
	}
	dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceStopped})

	var got []byte
	for f := range frags {
		if f.Err != nil {
			t.Fatalf("unexpected fragment error: %v", f.Err)
		}
		got = append(got, f.Data...)
	}
	if string(got) != "RIFF" {
		t.Fatalf("fragments = %q, want %q", got, "RIFF")
	}

	stream.Release()
	stream.Release()
	if _, ok := nextSent(t, sent).(protocol.CaptureRelease); !ok {
		t.Fatalf("expected capture_release")
	}
	select {
	case m := <-sent:
		t.Fatalf("second Release sent %#v", m)
	default:
	}
}

func TestBrowserDeviceDenied(t *testing.T) {
	sent := make(chan any, 4)
	dev := newBrowserDevice("s1", func(m any) bool { sent <- m; return true })

	errs := make(chan error, 1)
	go func() {
		_, err := dev.Open(context.Background(), capture.Constraints{})
		errs <- err
	}()
	nextSent(t, sent)
	dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceDenied, Detail: "NotAllowedError"})

	if err := <-errs; !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
}

func TestBrowserDeviceStopGraceClosesStream(t *testing.T) {
	sent := make(chan any, 8)
	dev := newBrowserDevice("s1", func(m any) bool { sent <- m; return true })
	dev.stopGrace = 30 * time.Millisecond

	go func() {
		<-sent
		dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceGranted, SupportedTypes: []string{audio.MediaWebM}})
	}()
	stream, err := dev.Open(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	frags, err := stream.Start(audio.MediaWebM, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stream.Stop()

	select {
	case _, ok := <-frags:
		if ok {
			t.Fatalf("unexpected fragment")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream never closed after the stop grace period")
	}
}

func TestBrowserDeviceOpenCanceled(t *testing.T) {
	dev := newBrowserDevice("s1", func(any) bool { return true })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := dev.Open(ctx, capture.Constraints{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
}

func TestBrowserDeviceKeepsFinalChunkBeforeStopped(t *testing.T) {
	sent := make(chan any, 8)
	dev := newBrowserDevice("s1", func(m any) bool { sent <- m; return true })
	stream, frags := openTestStream(t, dev, sent)

	dev.HandleClientMessage(chunk("a"))
	stream.Stop()
	if _, ok := nextSent(t, sent).(protocol.CaptureStop); !ok {
		t.Fatalf("expected capture_stop")
	}
	// The page flushes its last slice after capture_stop and only then
	// reports stopped.
	dev.HandleClientMessage(chunk("b"))
	dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceStopped})
	dev.HandleClientMessage(chunk("late"))

	var got []byte
	for f := range frags {
		if f.Err != nil {
			t.Fatalf("unexpected fragment error: %v", f.Err)
		}
		got = append(got, f.Data...)
	}
	if string(got) != "ab" {
		t.Fatalf("fragments = %q, want %q", got, "ab")
	}
}

func TestBrowserDeviceFullBufferCountsDropsAndKeepsError(t *testing.T) {
	sent := make(chan any, 8)
	dev := newBrowserDevice("s1", func(m any) bool { sent <- m; return true })
	dev.fragBuffer = 1
	drops := 0
	dev.onDrop = func() { drops++ }
	_, frags := openTestStream(t, dev, sent)

	dev.HandleClientMessage(chunk("a"))
	dev.HandleClientMessage(chunk("b"))
	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}

	dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceError, Detail: "track ended"})
	select {
	case f := <-frags:
		if f.Err == nil || f.Err.Error() != "track ended" {
			t.Fatalf("fragment = %+v, want the device error", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("device error never delivered")
	}
}

func openTestStream(t *testing.T, dev *browserDevice, sent <-chan any) (capture.Stream, <-chan capture.Fragment) {
	t.Helper()
	go func() {
		<-sent
		dev.HandleClientMessage(protocol.DeviceEvent{Event: protocol.DeviceGranted, SupportedTypes: []string{audio.MediaWebM}})
	}()
	stream, err := dev.Open(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	frags, err := stream.Start(audio.MediaWebM, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, ok := nextSent(t, sent).(protocol.CaptureStart); !ok {
		t.Fatalf("expected capture_start")
	}
	return stream, frags
}

func chunk(data string) protocol.ClientAudioChunk {
	return protocol.ClientAudioChunk{AudioBase64: base64.StdEncoding.EncodeToString([]byte(data))}
}

func nextSent(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an outgoing message")
		return nil
	}
}
