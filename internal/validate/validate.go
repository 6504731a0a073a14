// Package validate checks protocol payloads against their declared shape
// using github.com/go-playground/validator struct tags.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Issue describes one field-level validation failure.
type Issue struct {
	Path    string
	Code    string
	Message string
}

// Error carries the full set of issues for a rejected payload.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Issues[0].Message)
	}
	return fmt.Sprintf("validation failed with %d issues", len(e.Issues))
}

// AsError extracts a validation *Error from err if one is wrapped inside.
func AsError(err error) (*Error, bool) {
	var verr *Error
	ok := errors.As(err, &verr)
	return verr, ok
}

// Validator wraps a configured go-playground validator instance.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator that reports field paths by their json names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// Struct validates a decoded payload value. It returns nil on success or a
// *Error listing every failed field.
func (va *Validator) Struct(value any) error {
	err := va.v.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate: %w", err)
	}

	issues := make([]Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues = append(issues, Issue{
			Path:    trimNamespace(fe.Namespace()),
			Code:    fe.Tag(),
			Message: fe.Error(),
		})
	}
	return &Error{Issues: issues}
}

// trimNamespace drops the leading struct type name so paths read like
// json pointers ("character", "character.identity").
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
