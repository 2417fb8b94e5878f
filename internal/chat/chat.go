package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/ora/internal/config"
	"github.com/ent0n29/ora/internal/policy"
	"github.com/ent0n29/ora/internal/session"
)

var ErrChatFailed = errors.New("chat failed")

// Placeholder is appended when a successful reply carries no text.
const Placeholder = "(no reply)"

// Observer receives the outcome of every chat call.
type Observer interface {
	ObserveUpstream(endpoint, result string, d time.Duration)
}

type Options struct {
	BaseURL     string
	ChatPath    string
	Placeholder string
	HTTPClient  *http.Client
	Observer    Observer
}

func OptionsFromConfig(cfg config.Config, client *http.Client) Options {
	return Options{
		BaseURL:     cfg.ServiceBaseURL,
		ChatPath:    cfg.ChatPath,
		Placeholder: cfg.ChatPlaceholder,
		HTTPClient:  client,
	}
}

// Client continues a conversation bound by a prior analysis. Calls are not
// serialized: overlapping sends append in completion order.
type Client struct {
	url         string
	client      *http.Client
	placeholder string
	observer    Observer
}

type chatRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error"`
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("chat base url is required")
	}
	path := opts.ChatPath
	if path == "" {
		path = "/chat"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	placeholder := strings.TrimSpace(opts.Placeholder)
	if placeholder == "" {
		placeholder = Placeholder
	}
	return &Client{
		url:         base + path,
		client:      client,
		placeholder: placeholder,
		observer:    opts.Observer,
	}, nil
}

// Send appends the user's message, posts it, and appends either the reply or
// one error entry. It reports whether anything was sent; the returned error
// wraps ErrChatFailed and is already recorded in the transcript.
func (c *Client) Send(ctx context.Context, sess *session.Session, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	chatID, ok := sess.ConversationID()
	if !ok {
		return false, nil
	}

	sess.Append(session.RoleUser, text)
	sess.ClearDraft()

	started := time.Now()
	reply, err := c.post(ctx, chatID, text)
	c.observe(started, err)

	logger := logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"stage":      "chat",
		"latency_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		detail := errorDetail(err)
		sess.Append(session.RoleError, detail)
		logger.WithField("error", policy.LogSafe(detail)).Warn("chat turn failed")
		return true, err
	}

	if reply == "" {
		reply = c.placeholder
	}
	sess.Append(session.RoleAssistant, reply)
	logger.Debug("chat turn complete")
	return true, nil
}

func (c *Client) post(ctx context.Context, chatID, text string) (string, error) {
	payload, err := json.Marshal(chatRequest{ChatID: chatID, Message: text})
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %w", ErrChatFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrChatFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChatFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &Error{StatusCode: res.StatusCode, Detail: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrChatFailed, err)
	}
	if msg := strings.TrimSpace(out.Error); msg != "" {
		return "", &Error{StatusCode: res.StatusCode, Detail: msg}
	}
	return strings.TrimSpace(out.Reply), nil
}

func (c *Client) observe(started time.Time, err error) {
	if c.observer == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.observer.ObserveUpstream("chat", result, time.Since(started))
}

// Error is a failure reported by the chat endpoint, either as a non-2xx
// status or as an error field in a 2xx body.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("chat http status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat http status %d: %s", e.StatusCode, e.Detail)
}

func (e *Error) Unwrap() error { return ErrChatFailed }

func (e *Error) HTTPStatus() int { return e.StatusCode }

// errorDetail is the text shown in the transcript for a failed turn.
func errorDetail(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Detail != "" {
			return ce.Detail
		}
		return http.StatusText(ce.StatusCode)
	}
	return strings.TrimPrefix(err.Error(), ErrChatFailed.Error()+": ")
}
