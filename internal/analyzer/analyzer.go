package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/config"
	"github.com/ent0n29/ora/internal/session"
)

// DefaultReply stands in when the prediction carries no reply.
const DefaultReply = "I'm here for you."

// Observer receives the outcome of every upstream call.
type Observer interface {
	ObserveUpstream(endpoint, result string, d time.Duration)
}

// Options configures an Analyzer.
type Options struct {
	BaseURL     string
	UploadPath  string
	PredictPath string
	// Strategy is config.UploadDirect or config.UploadViaURL.
	Strategy     string
	AudioURLBase string
	DefaultReply string
	HTTPClient   *http.Client
	Observer     Observer
}

// OptionsFromConfig maps service settings onto analyzer options.
func OptionsFromConfig(cfg config.Config, client *http.Client) Options {
	return Options{
		BaseURL:      cfg.ServiceBaseURL,
		UploadPath:   cfg.UploadPath,
		PredictPath:  cfg.PredictPath,
		Strategy:     cfg.UploadStrategy,
		AudioURLBase: cfg.AudioURLBase,
		DefaultReply: cfg.DefaultReply,
		HTTPClient:   client,
	}
}

// Analyzer sends a finished recording to the prediction service and folds the
// result into a session. It never retries.
type Analyzer struct {
	client       *http.Client
	uploader     Uploader
	predictURL   string
	defaultReply string
	observer     Observer
}

type predictResponse struct {
	Emotion       string             `json:"emotion"`
	Probabilities map[string]float64 `json:"probabilities"`
	Reply         string             `json:"reply"`
	ChatID        string             `json:"chat_id"`
}

func New(opts Options) (*Analyzer, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analyzer base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	reply := strings.TrimSpace(opts.DefaultReply)
	if reply == "" {
		reply = DefaultReply
	}
	a := &Analyzer{
		client:       client,
		predictURL:   base + opts.PredictPath,
		defaultReply: reply,
		observer:     opts.Observer,
	}

	switch opts.Strategy {
	case "", config.UploadDirect:
		a.uploader = DirectUploader{}
	case config.UploadViaURL:
		u := &URLUploader{
			UploadURL:    base + opts.UploadPath,
			AudioURLBase: opts.AudioURLBase,
			Client:       client,
		}
		if opts.Observer != nil {
			u.observe = opts.Observer.ObserveUpstream
		}
		a.uploader = u
	default:
		return nil, fmt.Errorf("unknown upload strategy %q", opts.Strategy)
	}
	return a, nil
}

// Strategy names the configured upload strategy.
func (a *Analyzer) Strategy() string {
	return a.uploader.Name()
}

// Analyze uploads art, decodes the prediction and, on success only, binds the
// conversation id and appends the summary and reply entries to sess.
func (a *Analyzer) Analyze(ctx context.Context, sess *session.Session, art capture.Artifact) (Result, error) {
	started := time.Now()
	res, err := a.predict(ctx, art)
	a.observe(started, err)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"stage":      "analyze",
			"strategy":   a.uploader.Name(),
			"error":      err,
		}).Warn("analysis failed")
		return Result{}, err
	}

	// Chat stays disabled until both entries are in the transcript.
	sess.Append(session.RoleAssistant, res.Summary())
	sess.Append(session.RoleAssistant, res.Reply)
	if res.ConversationID != "" {
		sess.SetConversationID(res.ConversationID)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"stage":      "analyze",
		"dominant":   res.Dominant,
		"latency_ms": time.Since(started).Milliseconds(),
	}).Info("analysis complete")
	return res, nil
}

func (a *Analyzer) predict(ctx context.Context, art capture.Artifact) (Result, error) {
	req, err := a.uploader.PredictRequest(ctx, a.predictURL, art)
	if err != nil {
		if errors.Is(err, ErrUploadFailed) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: create request: %w", ErrPredictionFailed, err)
	}

	httpRes, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: send request: %w", ErrPredictionFailed, err)
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode < 200 || httpRes.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: %w", ErrPredictionFailed, &StatusError{
			Endpoint:   "predict",
			StatusCode: httpRes.StatusCode,
			Body:       readDiagnostic(httpRes.Body),
		})
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(httpRes.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if out.Probabilities == nil {
		return Result{}, fmt.Errorf("%w: probabilities missing", ErrMalformedResponse)
	}

	res := Result{
		Emotions:       SortEmotions(out.Probabilities),
		Dominant:       strings.TrimSpace(out.Emotion),
		Reply:          strings.TrimSpace(out.Reply),
		ConversationID: strings.TrimSpace(out.ChatID),
	}
	if res.Dominant == "" && len(res.Emotions) > 0 {
		res.Dominant = res.Emotions[0].Label
	}
	if res.Reply == "" {
		res.Reply = a.defaultReply
	}
	return res, nil
}

func (a *Analyzer) observe(started time.Time, err error) {
	if a.observer == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUploadFailed):
		// The upload step already reported itself; the prediction never ran.
		return
	case errors.Is(err, ErrMalformedResponse):
		result = "malformed"
	default:
		result = "error"
	}
	a.observer.ObserveUpstream("predict", result, time.Since(started))
}
