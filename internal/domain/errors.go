package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMessage is returned by the context store when a message ID
	// has already been recorded for its channel. Expected idempotency outcome,
	// not a failure; callers drop the message silently.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNotFound is returned when a handler ID or channel setting is missing.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps durability-layer failures. An append that
	// cannot be committed must never report success.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSourceNotFound and ErrDuplicateHandler are the clone failure modes.
	ErrSourceNotFound   = errors.New("clone source not found")
	ErrDuplicateHandler = errors.New("handler id already exists")
)

// GenKind classifies a generation boundary failure.
type GenKind string

const (
	GenNetwork        GenKind = "network"
	GenRateLimited    GenKind = "rate_limited"
	GenInvalidRequest GenKind = "invalid_request"
)

// GenerationError is surfaced by the assembler when a handler invocation
// fails. No context store mutation accompanies it.
type GenerationError struct {
	Kind GenKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewGenerationError wraps err with a failure kind.
func NewGenerationError(kind GenKind, err error) *GenerationError {
	return &GenerationError{Kind: kind, Err: err}
}
