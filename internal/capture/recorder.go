package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/ora/internal/audio"
)

// Config controls one recorder.
type Config struct {
	MaxDuration time.Duration
	Timeslice   time.Duration
	Constraints Constraints
	// Preference is the media type probing order. Defaults to audio.PreferredMediaTypes.
	Preference []string
}

// Recorder drives a Device through Idle → Requesting → Recording → Stopping → Idle.
// Every attempt that reaches Recording ends with exactly one call to the finish
// func and exactly one Stream.Release.
type Recorder struct {
	device   Device
	cfg      Config
	onState  func(State)
	onFinish func(Result)

	mu      sync.Mutex
	state   State
	attempt *attempt

	notifyMu sync.Mutex
}

type attempt struct {
	stream    Stream
	mediaType string
	startedAt time.Time
	watchdog  *time.Timer
	reason    StopReason
	chunks    [][]byte
	deviceErr error
}

func NewRecorder(device Device, cfg Config, onState func(State), onFinish func(Result)) *Recorder {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Second
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = 100 * time.Millisecond
	}
	if len(cfg.Preference) == 0 {
		cfg.Preference = audio.PreferredMediaTypes
	}
	if onState == nil {
		onState = func(State) {}
	}
	if onFinish == nil {
		onFinish = func(Result) {}
	}
	return &Recorder{
		device:   device,
		cfg:      cfg,
		onState:  onState,
		onFinish: onFinish,
		state:    StateIdle,
	}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the device and begins recording. Failures before Recording is
// reached leave the recorder Idle and are returned directly.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return ErrBusy
	}
	r.setStateAndUnlock(StateRequesting)

	stream, err := r.device.Open(ctx, r.cfg.Constraints)
	if err != nil {
		r.setState(StateIdle)
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}

	mediaType, ok := audio.SelectMediaType(r.cfg.Preference, r.device.Supports)
	if !ok {
		stream.Release()
		r.setState(StateIdle)
		return fmt.Errorf("%w: no supported recording format", ErrDeviceFailure)
	}

	frags, err := stream.Start(mediaType, r.cfg.Timeslice)
	if err != nil {
		stream.Release()
		r.setState(StateIdle)
		return fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}

	a := &attempt{
		stream:    stream,
		mediaType: mediaType,
		startedAt: time.Now(),
	}
	r.mu.Lock()
	r.attempt = a
	a.watchdog = time.AfterFunc(r.cfg.MaxDuration, func() {
		r.stop(a, ReasonWatchdog)
	})
	r.setStateAndUnlock(StateRecording)

	go r.pump(a, frags)
	return nil
}

// Stop ends the current recording. It is a no-op unless Recording.
func (r *Recorder) Stop() {
	r.mu.Lock()
	a := r.attempt
	r.mu.Unlock()
	if a == nil {
		return
	}
	r.stop(a, ReasonCaller)
}

func (r *Recorder) stop(a *attempt, reason StopReason) {
	r.mu.Lock()
	if r.attempt != a || r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	a.reason = reason
	a.watchdog.Stop()
	r.setStateAndUnlock(StateStopping)

	a.stream.Stop()
}

func (r *Recorder) pump(a *attempt, frags <-chan Fragment) {
	for f := range frags {
		if f.Err != nil {
			if a.deviceErr == nil {
				a.deviceErr = f.Err
			}
			r.stop(a, ReasonDeviceError)
			continue
		}
		if len(f.Data) == 0 {
			continue
		}
		a.chunks = append(a.chunks, append([]byte(nil), f.Data...))
	}

	// The stream closed on its own: treat it like a stop.
	r.mu.Lock()
	if r.state == StateRecording {
		a.reason = ReasonEnded
		a.watchdog.Stop()
		r.setStateAndUnlock(StateStopping)
	} else {
		r.mu.Unlock()
	}

	r.finish(a)
}

func (r *Recorder) finish(a *attempt) {
	a.stream.Release()

	r.mu.Lock()
	reason := a.reason
	r.mu.Unlock()

	res := Result{
		Reason:    reason,
		Fragments: len(a.chunks),
		Elapsed:   time.Since(a.startedAt),
	}
	switch {
	case a.deviceErr != nil:
		res.Err = fmt.Errorf("%w: %v", ErrDeviceFailure, a.deviceErr)
		r.setState(StateError)
	case len(a.chunks) == 0:
		res.Err = ErrEmptyRecording
	default:
		art := NewArtifact(bytes.Join(a.chunks, nil), a.mediaType, res.Elapsed)
		res.Artifact = &art
	}

	r.mu.Lock()
	r.attempt = nil
	r.setStateAndUnlock(StateIdle)

	r.onFinish(res)
}

func (r *Recorder) setState(to State) {
	r.mu.Lock()
	r.setStateAndUnlock(to)
}

// setStateAndUnlock must be called with r.mu held. Observers see transitions
// in the order they happened and must not call back into the recorder.
func (r *Recorder) setStateAndUnlock(to State) {
	r.state = to
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	r.onState(to)
}
