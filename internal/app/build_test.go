package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/config"
	"github.com/ent0n29/ora/internal/devstub"
	"github.com/ent0n29/ora/internal/protocol"
)

func TestBuildRecordsAndAnalyzesAgainstStub(t *testing.T) {
	for _, strategy := range []string{config.UploadDirect, config.UploadViaURL} {
		t.Run(strategy, func(t *testing.T) {
			stub := httptest.NewServer(devstub.New().Router())
			defer stub.Close()

			b, err := Build(context.Background(), testConfig(stub.URL, strategy))
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			defer b.Cleanup()

			dev := capture.NewMockDevice()
			dev.Length = 300 * time.Millisecond
			sess := b.Sessions.Create()
			coord, err := b.NewCoordinator(sess, dev)
			if err != nil {
				t.Fatalf("NewCoordinator() error = %v", err)
			}
			defer coord.Close()

			if err := coord.StartRecording(context.Background()); err != nil {
				t.Fatalf("StartRecording() error = %v", err)
			}
			time.Sleep(100 * time.Millisecond)
			coord.StopRecording()

			deadline := time.After(3 * time.Second)
			for {
				select {
				case ev := <-coord.Events():
					if e, ok := ev.(protocol.ErrorEvent); ok {
						t.Fatalf("unexpected error event: %+v", e)
					}
					if res, ok := ev.(protocol.EmotionResult); ok {
						if res.ConversationID == "" || len(res.Emotions) != len(devstub.Labels) {
							t.Fatalf("unexpected result: %+v", res)
						}
						if _, ok := sess.ConversationID(); !ok {
							t.Fatalf("conversation id not bound")
						}
						return
					}
				case <-deadline:
					t.Fatalf("timed out waiting for emotion_result")
				}
			}
		})
	}
}

func TestBuildServesReadiness(t *testing.T) {
	b, err := Build(context.Background(), testConfig("http://127.0.0.1:1", config.UploadDirect))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer b.Cleanup()

	ts := httptest.NewServer(b.API.Router())
	defer ts.Close()
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func testConfig(baseURL, strategy string) config.Config {
	predict := "/analyze-audio"
	if strategy == config.UploadViaURL {
		predict = "/predict"
	}
	return config.Config{
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		ServiceBaseURL:           baseURL,
		UploadPath:               "/upload",
		PredictPath:              predict,
		ChatPath:                 "/chat",
		UploadStrategy:           strategy,
		MaxRecordingDuration:     5 * time.Second,
		Timeslice:                50 * time.Millisecond,
		SampleRate:               16000,
	}
}
