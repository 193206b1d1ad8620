// Package generation turns a configuration snapshot into voice-agent instructions.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

// Generator produces instruction text from a snapshot. Implementations must not
// mutate the snapshot and must return *Error for every failure.
type Generator interface {
	Generate(ctx context.Context, snap models.ConfigurationSnapshot) (models.GeneratedContent, error)
}

type Kind string

const (
	// KindInvalidInput means the service rejected the request; retrying will not help.
	KindInvalidInput Kind = "invalid_input"
	// KindUnavailable covers timeouts, transport failures, 5xx and malformed responses.
	KindUnavailable Kind = "unavailable"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func InvalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// IsRetryable reports whether err is a generation failure worth retrying.
func IsRetryable(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindUnavailable
}

// KindOf returns the kind of a generation error, or "" for anything else.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())
