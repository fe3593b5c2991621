// Package provider adapts vendor LLM APIs behind one text-generation
// capability. Swapping vendors means supplying a new adapter implementing
// Generator; the engine never sees a vendor SDK type.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Generator is the uniform "generate text from a prompt" capability.
type Generator interface {
	// Generate sends a system + user prompt pair to the model and
	// returns the raw response text.
	Generate(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)

	// Name returns the adapter's identifier (e.g. "openai").
	Name() string

	// Models returns the model identifiers this adapter recognizes.
	Models() []string
}

// ModelErrorKind classifies a model failure for retry policy.
type ModelErrorKind string

const (
	// ModelTransient covers timeouts, rate limits, and 5xx responses.
	ModelTransient ModelErrorKind = "transient"
	// ModelInvalidFormat means the response failed schema validation.
	ModelInvalidFormat ModelErrorKind = "invalid_format"
)

// ModelError wraps a model-call failure with its classification.
type ModelError struct {
	Kind ModelErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("model error (%s)", e.Kind)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable model error.
func Transient(err error) *ModelError {
	return &ModelError{Kind: ModelTransient, Err: err}
}

// InvalidFormat wraps err as a schema-validation model error.
func InvalidFormat(err error) *ModelError {
	return &ModelError{Kind: ModelInvalidFormat, Err: err}
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind == ModelTransient
	}
	return false
}
