package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodeValidation        = "incidents.validation"
	CodeInvalidTransition = "incidents.invalid_transition"
)

// ValidationError reports a missing or malformed field. It is raised before
// any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return CodeValidation }

type InvalidTransitionError struct {
	From   Status
	Action Action
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
	}
	if e.To == "" || e.To == e.From {
		return fmt.Sprintf("invalid transition: %s not allowed in status %s", e.Action, e.From)
	}
	return fmt.Sprintf("invalid transition: %s (%s -> %s)", e.Action, e.From, e.To)
}

func (e *InvalidTransitionError) Code() string { return CodeInvalidTransition }

func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "required"}
	}
	return nil
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
