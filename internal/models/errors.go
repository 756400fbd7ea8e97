package models

import (
	"context"
	"errors"
)

// Application-wide standard errors
var (
	// Resource errors
	ErrNotFound            = errors.New("resource not found") // General not found
	ErrStoryNotFound       = errors.New("story not found")
	ErrEpisodeNotFound     = errors.New("episode not found")
	ErrRequestNotFound     = errors.New("generation request not found")
	ErrPreferencesNotFound = errors.New("preferences not found")

	// Request/precondition errors
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized") // Authentication required or failed
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrConflict          = errors.New("conflict")
	ErrEpisodeExists     = errors.New("episode already exists")
	ErrStoryNotCompleted = errors.New("story is not completed")
	ErrAlreadyTerminal   = errors.New("status is already terminal")

	// Permanent provider errors. Never retried.
	ErrContentFiltered = errors.New("content filtered by provider")
	ErrModelNotFound   = errors.New("model not found")
	ErrInvalidPrompt   = errors.New("invalid prompt")

	// Everything else
	ErrTransient = errors.New("transient failure")
	ErrInternal  = errors.New("internal server error")
)

// IsTransient reports whether err should be retried or redelivered.
// Wall-clock budget exhaustion counts as transient so the bus can redeliver.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPermanentProviderError reports whether err is one of the distinguished
// provider refusals that must not be retried per scene.
func IsPermanentProviderError(err error) bool {
	return errors.Is(err, ErrContentFiltered) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrInvalidPrompt)
}
