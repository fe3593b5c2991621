package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Submission limits. A query longer than the original 500-char column
// would blow up every downstream prompt, so reject it at the door.
const (
	MaxQueryLen       = 500
	MaxRequirementLen = 4 * 1024
	MaxDepthLimit     = 5
	MaxBreadthLimit   = 10

	DefaultMaxDepth = 2
	DefaultBreadth  = 5
)

// SubmitRequest is the body of POST /v1/research.
type SubmitRequest struct {
	Query          string `json:"query"`
	Model          string `json:"model,omitempty"`
	SearchProvider string `json:"search_provider,omitempty"`
	MaxDepth       *int   `json:"max_depth,omitempty"`
	Breadth        *int   `json:"breadth,omitempty"`
	Requirement    string `json:"requirement,omitempty"`
}

// Validate checks the submission synchronously, before any run is
// created. A failure here is a ValidationError: the caller gets a 400
// and no run id.
func (r SubmitRequest) Validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return fmt.Errorf("query is required")
	}
	if utf8.RuneCountInString(q) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d characters", MaxQueryLen)
	}
	if len(r.Requirement) > MaxRequirementLen {
		return fmt.Errorf("requirement exceeds maximum length of %d bytes", MaxRequirementLen)
	}
	if r.MaxDepth != nil && (*r.MaxDepth < 1 || *r.MaxDepth > MaxDepthLimit) {
		return fmt.Errorf("max_depth must be between 1 and %d", MaxDepthLimit)
	}
	if r.Breadth != nil && (*r.Breadth < 1 || *r.Breadth > MaxBreadthLimit) {
		return fmt.Errorf("breadth must be between 1 and %d", MaxBreadthLimit)
	}
	return nil
}

// Parameters resolves the request into run parameters, applying defaults
// for anything the caller omitted.
func (r SubmitRequest) Parameters(defaultModel, defaultProvider string) RunParameters {
	p := RunParameters{
		Model:          r.Model,
		SearchProvider: r.SearchProvider,
		MaxDepth:       DefaultMaxDepth,
		Breadth:        DefaultBreadth,
		Requirement:    r.Requirement,
	}
	if p.Model == "" {
		p.Model = defaultModel
	}
	if p.SearchProvider == "" {
		p.SearchProvider = defaultProvider
	}
	if r.MaxDepth != nil {
		p.MaxDepth = *r.MaxDepth
	}
	if r.Breadth != nil {
		p.Breadth = *r.Breadth
	}
	return p
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
