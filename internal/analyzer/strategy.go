package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/ora/internal/audio"
	"github.com/ent0n29/ora/internal/capture"
)

// Uploader turns an artifact into the prediction request. Strategies that
// need an upload step perform it here and fail with ErrUploadFailed.
type Uploader interface {
	Name() string
	PredictRequest(ctx context.Context, predictURL string, art capture.Artifact) (*http.Request, error)
}

// DirectUploader posts the recording itself to the prediction endpoint.
type DirectUploader struct {
	FieldName string
}

func (u DirectUploader) Name() string { return "direct" }

func (u DirectUploader) PredictRequest(ctx context.Context, predictURL string, art capture.Artifact) (*http.Request, error) {
	field := u.FieldName
	if field == "" {
		field = "audio"
	}
	body, contentType, err := multipartBody(field, art.Filename(), art)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

// URLUploader first places the recording at a fetchable URL, then asks the
// prediction endpoint to analyze that URL.
type URLUploader struct {
	UploadURL string
	// AudioURLBase resolves relative URLs returned by the upload endpoint.
	AudioURLBase string
	Client       *http.Client
	observe      func(endpoint, result string, d time.Duration)
}

type uploadResponse struct {
	URL     string `json:"url"`
	FileURL string `json:"file_url"`
}

func (u *URLUploader) Name() string { return "url" }

func (u *URLUploader) PredictRequest(ctx context.Context, predictURL string, art capture.Artifact) (*http.Request, error) {
	started := time.Now()
	audioURL, err := u.upload(ctx, art)
	if err != nil {
		u.record("error", started)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	u.record("ok", started)

	payload, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (u *URLUploader) upload(ctx context.Context, art capture.Artifact) (string, error) {
	name := uuid.NewString() + audio.ExtensionFor(art.MediaType())
	body, contentType, err := multipartBody("file", name, art)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.UploadURL, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := u.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &StatusError{Endpoint: "upload", StatusCode: res.StatusCode, Body: readDiagnostic(res.Body)}
	}

	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	raw := strings.TrimSpace(out.URL)
	if raw == "" {
		raw = strings.TrimSpace(out.FileURL)
	}
	if raw == "" {
		return "", fmt.Errorf("upload response has no url")
	}
	return u.resolve(raw)
}

func (u *URLUploader) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("upload url %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return raw, nil
	}
	base := u.AudioURLBase
	if base == "" {
		base = u.UploadURL
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("audio url base %q: %w", base, err)
	}
	if u.AudioURLBase != "" && strings.HasPrefix(raw, "/") {
		// The base may carry a path prefix of its own.
		return strings.TrimRight(u.AudioURLBase, "/") + raw, nil
	}
	return b.ResolveReference(ref).String(), nil
}

func (u *URLUploader) record(result string, started time.Time) {
	if u.observe != nil {
		u.observe("upload", result, time.Since(started))
	}
}

func multipartBody(field, filename string, art capture.Artifact) (io.Reader, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", art.MediaType())
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, art.Reader()); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

func readDiagnostic(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return strings.TrimSpace(string(body))
}
