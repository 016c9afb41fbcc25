package llm

import (
	"context"
	"errors"
	"net"

	"github.com/sashabaranov/go-openai"
)

// TransientError marks an API failure that is safe to retry with backoff:
// network errors, timeouts and rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient api error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or anything it wraps) is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyErr wraps provider errors that are worth retrying
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 408, apiErr.HTTPStatusCode == 429:
			return &TransientError{Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &TransientError{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}

	return err
}
