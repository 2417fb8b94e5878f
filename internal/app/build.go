package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/analyzer"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/chat"
	"github.com/ent0n29/ora/internal/config"
	"github.com/ent0n29/ora/internal/coordinator"
	"github.com/ent0n29/ora/internal/httpapi"
	"github.com/ent0n29/ora/internal/observability"
	"github.com/ent0n29/ora/internal/publish"
	"github.com/ent0n29/ora/internal/session"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Analyzer  *analyzer.Analyzer
	Chat      *chat.Client
	Publisher publish.Publisher
	Metrics   *observability.Metrics

	// ctx bounds in-flight analysis and chat calls of every coordinator.
	ctx context.Context

	// Cleanup should be called on shutdown to release external resources (NATS).
	Cleanup func() error
}

// Build wires the prediction client, chat client, transcript publisher and
// HTTP surface from cfg. ctx is canceled at shutdown.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	// A zero timeout leaves the transport default in place.
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	anOpts := analyzer.OptionsFromConfig(cfg, client)
	anOpts.Observer = metrics
	an, err := analyzer.New(anOpts)
	if err != nil {
		return nil, fmt.Errorf("analyzer init failed: %w", err)
	}

	chatOpts := chat.OptionsFromConfig(cfg, client)
	chatOpts.Observer = metrics
	cc, err := chat.New(chatOpts)
	if err != nil {
		return nil, fmt.Errorf("chat client init failed: %w", err)
	}

	var publisher publish.Publisher = publish.Nop{}
	if cfg.NATSURL != "" {
		p, err := publish.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		publisher = p
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	b := &BuildResult{
		Config:    cfg,
		Sessions:  sessions,
		Analyzer:  an,
		Chat:      cc,
		Publisher: publisher,
		Metrics:   metrics,
		ctx:       ctx,
		Cleanup: func() error {
			publisher.Close()
			return nil
		},
	}
	b.API = httpapi.New(cfg, sessions, func(sess *session.Session, dev capture.Device) (httpapi.Connection, error) {
		c, err := b.NewCoordinator(sess, dev)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, metrics)

	logrus.WithFields(logrus.Fields{
		"service":         cfg.ServiceBaseURL,
		"upload_strategy": an.Strategy(),
		"predict_path":    cfg.PredictPath,
		"nats":            cfg.NATSURL != "",
	}).Info("ora wired")
	return b, nil
}

// CaptureConfig maps recording settings onto the recorder.
func CaptureConfig(cfg config.Config) capture.Config {
	return capture.Config{
		MaxDuration: cfg.MaxRecordingDuration,
		Timeslice:   cfg.Timeslice,
		Constraints: capture.Constraints{
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
			SampleRate:       cfg.SampleRate,
		},
	}
}

// NewCoordinator builds a coordinator for sess recording from dev.
func (b *BuildResult) NewCoordinator(sess *session.Session, dev capture.Device) (*coordinator.Coordinator, error) {
	return coordinator.New(b.ctx, coordinator.Deps{
		Session:   sess,
		Device:    dev,
		Capture:   CaptureConfig(b.Config),
		Analyzer:  b.Analyzer,
		Chat:      b.Chat,
		Publisher: b.Publisher,
		Metrics:   b.Metrics,
	})
}

// StartJanitor expires idle sessions until ctx ends.
func (b *BuildResult) StartJanitor(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
}
