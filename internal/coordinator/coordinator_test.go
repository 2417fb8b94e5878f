package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/ora/internal/analyzer"
	"github.com/ent0n29/ora/internal/audio"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/chat"
	"github.com/ent0n29/ora/internal/observability"
	"github.com/ent0n29/ora/internal/protocol"
	"github.com/ent0n29/ora/internal/publish"
	"github.com/ent0n29/ora/internal/session"
)

func TestCoordinatorRecordThenAnalyze(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(isCaptureState("recording"))
	h.c.StopRecording()

	got := h.waitFor(func(ev any) bool {
		_, ok := ev.(protocol.EmotionResult)
		return ok
	})
	res := got[len(got)-1].(protocol.EmotionResult)
	if res.Summary != "happy: 70%, sad: 20%, neutral: 10%" || res.ConversationID != "abc" {
		t.Fatalf("emotion result = %+v", res)
	}
	h.waitFor(canRecord)

	if n := h.analyzer.callCount(); n != 1 {
		t.Fatalf("analyzer calls = %d, want 1", n)
	}
	if evts := h.pub.events(); len(evts) != 1 || evts[0].Reason != publish.ReasonAnalysis {
		t.Fatalf("published = %+v, want one analysis event", evts)
	}
	if !h.c.CanRecord() {
		t.Fatalf("CanRecord() = false after a finished attempt")
	}
}

func TestCoordinatorWatchdogStopsLongRecording(t *testing.T) {
	dev := &capture.MockDevice{ToneHz: 440, Length: 5 * time.Second}
	h := newHarnessWithConfig(t, dev, &fakeAnalyzer{res: happyResult()}, capture.Config{
		MaxDuration: 60 * time.Millisecond,
		Timeslice:   10 * time.Millisecond,
	})

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(func(ev any) bool {
		_, ok := ev.(protocol.EmotionResult)
		return ok
	})
	if n := h.analyzer.callCount(); n != 1 {
		t.Fatalf("analyzer calls = %d, want 1", n)
	}
}

func TestCoordinatorEmptyRecordingNeverAnalyzes(t *testing.T) {
	h := newHarness(t, &silentDevice{}, &fakeAnalyzer{res: happyResult()})

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(isCaptureState("recording"))
	h.c.StopRecording()

	h.waitFor(isError("empty_recording"))
	h.waitFor(canRecord)
	if n := h.analyzer.callCount(); n != 0 {
		t.Fatalf("analyzer calls = %d, want 0", n)
	}
	if h.c.Session().RecordingState() != string(capture.StateIdle) {
		t.Fatalf("recording state = %q, want idle", h.c.Session().RecordingState())
	}
}

func TestCoordinatorPermissionDeniedReArms(t *testing.T) {
	h := newHarness(t, &capture.MockDevice{Deny: true}, &fakeAnalyzer{res: happyResult()})

	err := h.c.StartRecording(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("StartRecording() error = %v, want ErrPermissionDenied", err)
	}
	got := h.waitFor(canRecord)
	var sawStatus bool
	for _, ev := range got {
		if st, ok := ev.(protocol.Status); ok && st.Text == StatusText(capture.ErrPermissionDenied) {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Fatalf("no permission status in %+v", got)
	}
	if !h.c.CanRecord() {
		t.Fatalf("record control must be re-enabled")
	}
}

func TestCoordinatorAnalyzeFailureReArms(t *testing.T) {
	failure := fmt.Errorf("%w: %w", analyzer.ErrPredictionFailed, &analyzer.StatusError{
		Endpoint: "predict", StatusCode: 503, Body: "model warming up",
	})
	h := newHarness(t, shortTone(), &fakeAnalyzer{err: failure})

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(isCaptureState("recording"))
	h.c.StopRecording()

	got := h.waitFor(isError("prediction_failed"))
	ev := got[len(got)-1].(protocol.ErrorEvent)
	if !ev.Retryable || ev.Source != "analyze" {
		t.Fatalf("error event = %+v, want retryable analyze failure", ev)
	}
	got = h.waitFor(canRecord)
	for _, e := range got {
		if st, ok := e.(protocol.Status); ok && st.Text == "Server error (503): model warming up" {
			return
		}
	}
	t.Fatalf("missing server error status in %+v", got)
}

func TestCoordinatorRejectsStartWhileAnalyzing(t *testing.T) {
	gate := make(chan struct{})
	fa := &fakeAnalyzer{res: happyResult(), gate: gate}
	h := newHarness(t, shortTone(), fa)

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(isCaptureState("recording"))
	h.c.StopRecording()
	h.waitFor(func(ev any) bool {
		st, ok := ev.(protocol.Status)
		return ok && st.Text == StatusAnalyzing
	})

	if err := h.c.StartRecording(context.Background()); !errors.Is(err, capture.ErrBusy) {
		t.Fatalf("StartRecording() while analyzing error = %v, want ErrBusy", err)
	}
	if h.c.CanRecord() {
		t.Fatalf("CanRecord() = true while analyzing")
	}
	close(gate)
	h.waitFor(canRecord)
}

func TestCoordinatorSendEmitsTranscript(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	h.c.Session().SetConversationID("abc")
	h.c.SetDraft("hi")

	if err := h.c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := h.waitFor(func(ev any) bool {
		te, ok := ev.(protocol.TranscriptEntry)
		return ok && te.Role == "assistant"
	})
	var types []string
	for _, ev := range got {
		types = append(types, string(protocol.TypeOf(ev)))
	}
	if strings.Join(types, ",") != "transcript_entry,input_cleared,transcript_entry" {
		t.Fatalf("event types = %v", types)
	}
	if h.c.Session().Draft() != "" {
		t.Fatalf("draft not cleared")
	}
	if evts := h.pub.events(); len(evts) != 1 || evts[0].Reason != publish.ReasonChatTurn {
		t.Fatalf("published = %+v, want one chat_turn event", evts)
	}
}

func TestCoordinatorSendNoopBeforeAnalysis(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	for _, text := range []string{"", "hi"} {
		if err := h.c.Send(context.Background(), text); err != nil {
			t.Fatalf("Send(%q) error = %v", text, err)
		}
	}
	if n := len(h.c.Session().Transcript()); n != 0 {
		t.Fatalf("transcript len = %d, want 0", n)
	}
	if n := len(h.pub.events()); n != 0 {
		t.Fatalf("published = %d, want 0", n)
	}
}

func TestCoordinatorSendFailureKeepsSessionUsable(t *testing.T) {
	fc := &fakeChat{fail: true}
	h := newHarnessWithChat(t, fc)
	h.c.Session().SetConversationID("abc")

	if err := h.c.Send(context.Background(), "hi"); !errors.Is(err, chat.ErrChatFailed) {
		t.Fatalf("Send() error = %v, want ErrChatFailed", err)
	}
	h.waitFor(isError("chat_failed"))

	fc.setFail(false)
	if err := h.c.Send(context.Background(), "again"); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	entries := h.c.Session().Transcript()
	roles := make([]string, 0, len(entries))
	for _, e := range entries {
		roles = append(roles, string(e.Role))
	}
	if strings.Join(roles, ",") != "user,error,user,assistant" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestCoordinatorSendAsyncCoveredByWait(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	h.c.Session().SetConversationID("abc")

	h.c.SendAsync("hi")
	h.c.Wait()

	entries := h.c.Session().Transcript()
	if len(entries) != 2 || entries[1].Text != "echo: hi" {
		t.Fatalf("transcript after Wait = %+v, want user and assistant entries", entries)
	}
}

func TestCoordinatorOneOwnerPerSession(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	sess := h.c.Session()

	if _, err := New(context.Background(), depsFor(sess)); !errors.Is(err, session.ErrInUse) {
		t.Fatalf("second New() error = %v, want session.ErrInUse", err)
	}

	h.c.Close()
	next, err := New(context.Background(), depsFor(sess))
	if err != nil {
		t.Fatalf("New() after Close error = %v", err)
	}
	defer next.Close()

	sess.SetConversationID("abc")
	if err := next.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := waitOn(t, next.Events(), func(ev any) bool {
		te, ok := ev.(protocol.TranscriptEntry)
		return ok && te.Role == "assistant"
	})
	if n := len(got); n != 3 {
		t.Fatalf("new owner saw %d events, want 3: %+v", n, got)
	}
	if err := h.c.StartRecording(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartRecording() after Close error = %v, want ErrClosed", err)
	}
}

func TestCoordinatorHoldsSessionUntilAnalysisFinishes(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult(), gate: gate})
	sess := h.c.Session()

	if err := h.c.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	h.waitFor(isCaptureState("recording"))
	h.c.StopRecording()
	h.waitFor(func(ev any) bool {
		st, ok := ev.(protocol.Status)
		return ok && st.Text == StatusAnalyzing
	})

	h.c.Close()
	if _, err := New(context.Background(), depsFor(sess)); !errors.Is(err, session.ErrInUse) {
		t.Fatalf("New() during analysis error = %v, want session.ErrInUse", err)
	}

	close(gate)
	h.c.Wait()
	next, err := New(context.Background(), depsFor(sess))
	if err != nil {
		t.Fatalf("New() after analysis error = %v", err)
	}
	next.Close()
	if id, ok := sess.ConversationID(); !ok || id != "abc" {
		t.Fatalf("ConversationID() = %q, %v, want abc, true", id, ok)
	}
}

func TestRunConnectionDrivesCoordinator(t *testing.T) {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	inbound := make(chan any, 8)
	outbound := make(chan any, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.c.RunConnection(ctx, inbound, outbound) }()

	sid := h.c.Session().ID
	waitOn(t, outbound, canRecord)
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sid, Action: protocol.ActionStart}
	waitOn(t, outbound, isCaptureState("recording"))
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sid, Action: protocol.ActionStop}
	waitOn(t, outbound, func(ev any) bool {
		_, ok := ev.(protocol.EmotionResult)
		return ok
	})

	inbound <- protocol.ClientDraft{Type: protocol.TypeClientDraft, SessionID: sid, Text: "how are"}
	inbound <- protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: sid, Text: "how are you"}
	waitOn(t, outbound, func(ev any) bool {
		te, ok := ev.(protocol.TranscriptEntry)
		return ok && te.Role == "assistant" && te.Text == "echo: how are you"
	})

	close(inbound)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after inbound closed")
	}
}

func TestStatusTextCoversTaxonomy(t *testing.T) {
	errs := []error{
		capture.ErrPermissionDenied,
		capture.ErrDeviceFailure,
		capture.ErrEmptyRecording,
		fmt.Errorf("%w: upload http status 500", analyzer.ErrUploadFailed),
		fmt.Errorf("%w: send request: dial tcp: refused", analyzer.ErrPredictionFailed),
		fmt.Errorf("%w: probabilities missing", analyzer.ErrMalformedResponse),
		&chat.Error{StatusCode: 400, Detail: "Invalid chat_id"},
	}
	codes := map[string]bool{}
	for _, err := range errs {
		if StatusText(err) == "" {
			t.Fatalf("StatusText(%v) is empty", err)
		}
		code := ErrorCode(err)
		if code == "internal" || codes[code] {
			t.Fatalf("ErrorCode(%v) = %q, want a distinct taxonomy code", err, code)
		}
		codes[code] = true
	}
	if got := StatusText(&chat.Error{StatusCode: 400, Detail: "Invalid chat_id"}); got != "Message failed: Invalid chat_id" {
		t.Fatalf("chat status = %q", got)
	}
	if Retryable(capture.ErrPermissionDenied) {
		t.Fatalf("permission denial must not be marked retryable")
	}
}

type harness struct {
	t        *testing.T
	c        *Coordinator
	analyzer *fakeAnalyzer
	pub      *stubPublisher
}

func newHarness(t *testing.T, dev capture.Device, fa *fakeAnalyzer) *harness {
	return newHarnessWithConfig(t, dev, fa, capture.Config{MaxDuration: 2 * time.Second, Timeslice: 10 * time.Millisecond})
}

func newHarnessWithChat(t *testing.T, fc *fakeChat) *harness {
	h := newHarness(t, shortTone(), &fakeAnalyzer{res: happyResult()})
	h.c.chat = fc
	return h
}

func newHarnessWithConfig(t *testing.T, dev capture.Device, fa *fakeAnalyzer, cfg capture.Config) *harness {
	t.Helper()
	pub := &stubPublisher{}
	c, err := New(context.Background(), Deps{
		Session:   session.New(),
		Device:    dev,
		Capture:   cfg,
		Analyzer:  fa,
		Chat:      &fakeChat{},
		Publisher: pub,
		Metrics:   observability.NewMetrics(fmt.Sprintf("test_coord_%d", time.Now().UnixNano())),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return &harness{t: t, c: c, analyzer: fa, pub: pub}
}

func depsFor(sess *session.Session) Deps {
	return Deps{
		Session:  sess,
		Device:   shortTone(),
		Capture:  capture.Config{MaxDuration: 2 * time.Second, Timeslice: 10 * time.Millisecond},
		Analyzer: &fakeAnalyzer{res: happyResult()},
		Chat:     &fakeChat{},
	}
}

func (h *harness) waitFor(pred func(any) bool) []any {
	h.t.Helper()
	return waitOn(h.t, h.c.Events(), pred)
}

// waitOn collects events until pred matches one, failing after a timeout.
func waitOn(t *testing.T, ch <-chan any, pred func(any) bool) []any {
	t.Helper()
	var seen []any
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			seen = append(seen, ev)
			if pred(ev) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out; saw %d events: %+v", len(seen), seen)
			return nil
		}
	}
}

func isCaptureState(state string) func(any) bool {
	return func(ev any) bool {
		cs, ok := ev.(protocol.CaptureState)
		return ok && cs.State == state
	}
}

func canRecord(ev any) bool {
	cs, ok := ev.(protocol.CaptureState)
	return ok && cs.CanRecord
}

func isError(code string) func(any) bool {
	return func(ev any) bool {
		ee, ok := ev.(protocol.ErrorEvent)
		return ok && ee.Code == code
	}
}

func shortTone() capture.Device {
	return &capture.MockDevice{ToneHz: 440, Length: 200 * time.Millisecond}
}

func happyResult() analyzer.Result {
	return analyzer.Result{
		Emotions:       analyzer.SortEmotions(map[string]float64{"happy": 70, "sad": 20, "neutral": 10}),
		Dominant:       "happy",
		Reply:          "Glad to hear it.",
		ConversationID: "abc",
	}
}

type fakeAnalyzer struct {
	res  analyzer.Result
	err  error
	gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, sess *session.Session, art capture.Artifact) (analyzer.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if art.Size() == 0 || art.MediaType() != audio.MediaWAV {
		return analyzer.Result{}, fmt.Errorf("unexpected artifact %s (%d bytes)", art.MediaType(), art.Size())
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return analyzer.Result{}, f.err
	}
	sess.Append(session.RoleAssistant, f.res.Summary())
	sess.Append(session.RoleAssistant, f.res.Reply)
	sess.SetConversationID(f.res.ConversationID)
	return f.res, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChat struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeChat) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeChat) Send(_ context.Context, sess *session.Session, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if _, ok := sess.ConversationID(); text == "" || !ok {
		return false, nil
	}
	sess.Append(session.RoleUser, text)
	sess.ClearDraft()

	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		err := &chat.Error{StatusCode: 500, Detail: "upstream down"}
		sess.Append(session.RoleError, err.Detail)
		return true, err
	}
	sess.Append(session.RoleAssistant, "echo: "+text)
	return true, nil
}

type stubPublisher struct {
	mu  sync.Mutex
	got []publish.Event
}

func (p *stubPublisher) PublishTranscript(_ context.Context, evt publish.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, evt)
	return nil
}

func (p *stubPublisher) Close() {}

func (p *stubPublisher) events() []publish.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.Event(nil), p.got...)
}

// silentDevice opens fine but never produces audio.
type silentDevice struct{}

func (silentDevice) Supports(mt string) bool { return mt == audio.MediaWebM }

func (silentDevice) Open(context.Context, capture.Constraints) (capture.Stream, error) {
	return &silentStream{frags: make(chan capture.Fragment)}, nil
}

type silentStream struct {
	frags chan capture.Fragment
	once  sync.Once
}

func (s *silentStream) Start(string, time.Duration) (<-chan capture.Fragment, error) {
	return s.frags, nil
}

func (s *silentStream) Stop()    { s.once.Do(func() { close(s.frags) }) }
func (s *silentStream) Release() { s.Stop() }
