package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/ora/internal/analyzer"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/chat"
	"github.com/ent0n29/ora/internal/reliability"
)

// Status lines for the normal flow.
const (
	StatusReady      = "Ready to record"
	StatusRequesting = "Requesting microphone…"
	StatusRecording  = "Recording…"
	StatusProcessing = "Processing…"
	StatusAnalyzing  = "Analyzing audio…"
	StatusAnalyzed   = "Analysis complete"
)

// ErrorCode maps a failure onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrDeviceFailure):
		return "device_failure"
	case errors.Is(err, capture.ErrEmptyRecording):
		return "empty_recording"
	case errors.Is(err, capture.ErrBusy):
		return "busy"
	case errors.Is(err, analyzer.ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, analyzer.ErrPredictionFailed):
		return "prediction_failed"
	case errors.Is(err, analyzer.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, chat.ErrChatFailed):
		return "chat_failed"
	default:
		return "internal"
	}
}

// StatusText is the human-readable status shown for a failure.
func StatusText(err error) string {
	if err == nil {
		return StatusReady
	}
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access was denied. Allow access and press record to try again."
	case errors.Is(err, capture.ErrDeviceFailure):
		return "The microphone stopped working. Press record to try again."
	case errors.Is(err, capture.ErrEmptyRecording):
		return "No audio was captured. Press record to try again."
	case errors.Is(err, capture.ErrBusy):
		return "Already recording or analyzing."
	case errors.Is(err, analyzer.ErrUploadFailed):
		return "Upload failed: " + detail(err)
	case errors.Is(err, analyzer.ErrPredictionFailed):
		var se *analyzer.StatusError
		if errors.As(err, &se) {
			if se.Body == "" {
				return fmt.Sprintf("Server error (%d)", se.StatusCode)
			}
			return fmt.Sprintf("Server error (%d): %s", se.StatusCode, se.Body)
		}
		return "Analysis failed: " + detail(err)
	case errors.Is(err, analyzer.ErrMalformedResponse):
		return "Invalid response format from server"
	case errors.Is(err, chat.ErrChatFailed):
		return "Message failed: " + detail(err)
	default:
		return "Error: " + err.Error()
	}
}

// Retryable reports whether the user can expect the same action to work
// on another try.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied), errors.Is(err, analyzer.ErrMalformedResponse):
		return false
	case errors.Is(err, capture.ErrDeviceFailure), errors.Is(err, capture.ErrEmptyRecording), errors.Is(err, capture.ErrBusy):
		return true
	default:
		return reliability.IsRetryable(err)
	}
}

// detail strips the sentinel prefix so the status reads as one sentence.
func detail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
