// Package remote implements the conversation service consumed by the
// dispatcher: the REST backend, model-backed services on OpenAI and Gemini,
// and an echo service for offline use.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	tracing "github.com/aixgo-dev/personachat/internal/observability"
	"github.com/aixgo-dev/personachat/internal/sanitize"
	"github.com/aixgo-dev/personachat/pkg/observability"
)

// Call names used for spans and metrics.
const (
	callChat      = "chat"
	callVoice     = "voice"
	callRecognize = "recognize"
	callHistory   = "history"
)

// ErrEmptyAudio is returned when a recording has no bytes.
var ErrEmptyAudio = errors.New("audio payload is empty")

// APIError is a non-success answer from the service.
type APIError struct {
	// Status is the HTTP status code.
	Status int
	// Code is the application code of the response envelope, if any.
	Code int
	// Message is the service's error message.
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d, code %d", e.Status, e.Code)
	}
	return fmt.Sprintf("remote: status %d, code %d: %s", e.Status, e.Code, sanitize.Secrets(e.Message))
}

// instrument runs fn inside a span and records its outcome.
func instrument(ctx context.Context, backend, call string, attrs map[string]any, fn func(context.Context) error) error {
	data := map[string]any{"backend": backend}
	for k, v := range attrs {
		data[k] = v
	}
	ctx, span := tracing.StartSpan(ctx, "remote."+call, data)
	start := time.Now()
	err := fn(ctx)
	observability.RecordRemoteCall(backend, call, err, time.Since(start))
	tracing.EndSpan(span, err)
	return err
}
