package analyzer

import (
	"errors"
	"fmt"
)

var (
	ErrUploadFailed      = errors.New("upload failed")
	ErrPredictionFailed  = errors.New("prediction failed")
	ErrMalformedResponse = errors.New("malformed prediction response")
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s http status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s http status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }
