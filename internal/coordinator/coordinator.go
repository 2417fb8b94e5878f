package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/analyzer"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/observability"
	"github.com/ent0n29/ora/internal/policy"
	"github.com/ent0n29/ora/internal/protocol"
	"github.com/ent0n29/ora/internal/publish"
	"github.com/ent0n29/ora/internal/session"
)

// Analyzer turns a finished recording into an emotion result.
type Analyzer interface {
	Analyze(ctx context.Context, sess *session.Session, art capture.Artifact) (analyzer.Result, error)
}

// Chatter continues the conversation bound by the last analysis.
type Chatter interface {
	Send(ctx context.Context, sess *session.Session, text string) (bool, error)
}

type Deps struct {
	Session   *session.Session
	Device    capture.Device
	Capture   capture.Config
	Analyzer  Analyzer
	Chat      Chatter
	Publisher publish.Publisher
	Metrics   *observability.Metrics
	// EventBuffer sizes the events channel. Defaults to 256.
	EventBuffer int
}

// Coordinator runs record → analyze strictly in sequence for one session and
// lets chat turns run freely once a conversation is bound. Everything the UI
// needs arrives on Events as protocol messages.
type Coordinator struct {
	ctx       context.Context
	sess      *session.Session
	device    capture.Device
	rec       *capture.Recorder
	analyzer  Analyzer
	chat      Chatter
	publisher publish.Publisher
	metrics   *observability.Metrics
	maxDur    string

	mu     sync.Mutex
	busy   bool
	closed bool

	// detach drops the transcript listener and the session claim. It runs
	// once Close has been called and no attempt is in flight.
	detach     func()
	detachOnce sync.Once

	emitMu sync.Mutex
	events chan any
	done   chan struct{}
	once   sync.Once

	wg sync.WaitGroup
}

// ErrClosed is returned by StartRecording after Close.
var ErrClosed = errors.New("coordinator closed")

// New wires a coordinator. ctx bounds in-flight analysis and chat calls; it
// is canceled only at shutdown. A session has at most one coordinator at a
// time; New fails with session.ErrInUse while another one holds it.
func New(ctx context.Context, d Deps) (*Coordinator, error) {
	if d.Session == nil || d.Device == nil || d.Analyzer == nil || d.Chat == nil {
		return nil, errors.New("coordinator: session, device, analyzer and chat are required")
	}
	release, err := d.Session.Attach()
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	size := d.EventBuffer
	if size <= 0 {
		size = 256
	}
	c := &Coordinator{
		ctx:       ctx,
		sess:      d.Session,
		device:    d.Device,
		analyzer:  d.Analyzer,
		chat:      d.Chat,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		events:    make(chan any, size),
		done:      make(chan struct{}),
	}
	c.rec = capture.NewRecorder(d.Device, d.Capture, c.onState, c.onFinish)
	if d.Capture.MaxDuration > 0 {
		c.maxDur = d.Capture.MaxDuration.String()
	}
	unsubscribe := c.sess.OnAppend(c.onAppend)
	c.detach = func() {
		unsubscribe()
		release()
	}
	return c, nil
}

// Events delivers protocol server messages in the order they happened.
func (c *Coordinator) Events() <-chan any { return c.events }

// Done is closed by Close.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) Session() *session.Session { return c.sess }

// Ready emits the initial capture state and status.
func (c *Coordinator) Ready() {
	c.emitCaptureState(c.rec.State())
	c.status(StatusReady)
}

// StartRecording arms the recorder. It fails with capture.ErrBusy while a
// previous attempt is still recording or being analyzed.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return capture.ErrBusy
	}
	c.busy = true
	c.mu.Unlock()

	if err := c.rec.Start(ctx); err != nil {
		c.observeRecording(outcomeFor(err), false, capture.Result{})
		c.fail("capture", err)
		return err
	}
	return nil
}

// StopRecording ends the current recording. It is a no-op unless recording.
func (c *Coordinator) StopRecording() {
	c.rec.Stop()
}

// SendAsync runs Send in the background on the coordinator's context. Wait
// covers it.
func (c *Coordinator) SendAsync(text string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Send(c.ctx, text)
	}()
}

// Send posts one chat turn. Calls may overlap.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	sent, err := c.chat.Send(ctx, c.sess, text)
	if !sent {
		return nil
	}
	if err != nil {
		c.emitError("chat", err)
		c.status(StatusText(err))
	}
	c.publish(publish.ReasonChatTurn, nil)
	return err
}

// SetDraft records the pending input text.
func (c *Coordinator) SetDraft(text string) {
	c.sess.SetDraft(text)
}

// CanRecord reports whether a new attempt may start.
func (c *Coordinator) CanRecord() bool {
	state := c.rec.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && state == capture.StateIdle
}

// Wait blocks until in-flight analyses and chat turns finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops any recording and stops delivering events. In-flight calls run
// to completion unless the coordinator's context is canceled. The session is
// released for a new coordinator once the current attempt, if any, finishes.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	c.closed = true
	idle := !c.busy
	c.mu.Unlock()
	if idle {
		c.detachSession()
	}
	c.rec.Stop()
}

func (c *Coordinator) detachSession() {
	c.detachOnce.Do(c.detach)
}

func (c *Coordinator) onState(s capture.State) {
	c.sess.SetRecordingState(string(s))
	c.emitCaptureState(s)
	switch s {
	case capture.StateRequesting:
		c.status(StatusRequesting)
	case capture.StateRecording:
		if c.maxDur != "" {
			c.status(fmt.Sprintf("%s (stops automatically after %s)", StatusRecording, c.maxDur))
		} else {
			c.status(StatusRecording)
		}
	case capture.StateStopping:
		c.status(StatusProcessing)
	}
}

func (c *Coordinator) onFinish(res capture.Result) {
	c.observeRecording(outcomeFor(res.Err), res.Reason == capture.ReasonWatchdog, res)
	logrus.WithFields(logrus.Fields{
		"session_id": c.sess.ID,
		"stage":      "capture",
		"reason":     res.Reason,
		"fragments":  res.Fragments,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}).Debug("recording finished")

	if res.Err != nil {
		c.fail("capture", res.Err)
		return
	}

	c.status(StatusAnalyzing)
	c.wg.Add(1)
	go c.analyze(*res.Artifact)
}

func (c *Coordinator) analyze(art capture.Artifact) {
	defer c.wg.Done()

	res, err := c.analyzer.Analyze(c.ctx, c.sess, art)
	if err != nil {
		c.fail("analyze", err)
		return
	}

	emotions := make([]protocol.Emotion, 0, len(res.Emotions))
	pubEmotions := make([]publish.Emotion, 0, len(res.Emotions))
	for _, e := range res.Emotions {
		emotions = append(emotions, protocol.Emotion{Label: e.Label, Value: e.Value})
		pubEmotions = append(pubEmotions, publish.Emotion{Label: e.Label, Value: e.Value})
	}
	c.emit(protocol.EmotionResult{
		Type:           protocol.TypeEmotionResult,
		SessionID:      c.sess.ID,
		Emotions:       emotions,
		Summary:        res.Summary(),
		Dominant:       res.Dominant,
		ConversationID: res.ConversationID,
	})
	c.status(StatusAnalyzed)
	c.publish(publish.ReasonAnalysis, pubEmotions)
	c.release()
}

// fail reports a terminal failure of the current attempt and re-arms recording.
func (c *Coordinator) fail(source string, err error) {
	logrus.WithFields(logrus.Fields{
		"session_id": c.sess.ID,
		"stage":      source,
		"outcome":    ErrorCode(err),
		"error":      policy.LogSafe(err.Error()),
	}).Warn("attempt failed")
	c.emitError(source, err)
	c.status(StatusText(err))
	c.release()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.busy = false
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.detachSession()
		return
	}
	c.emitCaptureState(c.rec.State())
}

func (c *Coordinator) onAppend(e session.Entry) {
	c.emit(protocol.TranscriptEntry{
		Type:      protocol.TypeTranscriptEntry,
		SessionID: c.sess.ID,
		Seq:       e.Seq,
		Role:      string(e.Role),
		Text:      e.Text,
	})
	if e.Role == session.RoleUser {
		c.emit(protocol.InputCleared{Type: protocol.TypeInputCleared, SessionID: c.sess.ID})
	}
}

func (c *Coordinator) publish(reason string, emotions []publish.Emotion) {
	evt := publish.EventFromSession(c.sess, reason, emotions)
	if err := c.publisher.PublishTranscript(c.ctx, evt); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": c.sess.ID,
			"reason":     reason,
			"error":      err,
		}).Warn("transcript publish failed")
	}
}

func (c *Coordinator) emitCaptureState(s capture.State) {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	c.emit(protocol.CaptureState{
		Type:      protocol.TypeCaptureState,
		SessionID: c.sess.ID,
		State:     string(s),
		CanRecord: !busy && s == capture.StateIdle,
		CanStop:   s == capture.StateRecording,
	})
}

func (c *Coordinator) status(text string) {
	c.emit(protocol.Status{Type: protocol.TypeStatus, SessionID: c.sess.ID, Text: text})
}

func (c *Coordinator) emitError(source string, err error) {
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      ErrorCode(err),
		Source:    source,
		Retryable: Retryable(err),
		Detail:    err.Error(),
	})
}

// emit delivers msg unless the coordinator is closed. emitMu keeps events
// from different goroutines in a single order.
func (c *Coordinator) emit(msg any) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- msg:
	case <-c.done:
	}
}

func (c *Coordinator) observeRecording(outcome string, watchdog bool, res capture.Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveRecording(outcome, watchdog, res.Elapsed)
}

func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}
	return ErrorCode(err)
}
