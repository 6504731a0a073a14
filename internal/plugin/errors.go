package plugin

import (
	"errors"
	"fmt"
)

// NotFoundError reports a plugin whose module file does not exist. Path is
// sanitized to the plugin-root-relative location.
type NotFoundError struct {
	Name string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin not found: %s", e.Path)
}

// NoClassError reports a module that loaded but does not define a
// constructible class sharing the plugin's name.
type NoClassError struct {
	Name string
}

func (e *NoClassError) Error() string {
	return fmt.Sprintf("plugin %s doesn't contain a class named %s", e.Name, e.Name)
}

// IsUserError reports whether err is one of the typed load failures whose
// message is already user-facing. Anything else carries internal detail
// (Lua stack traces, file paths) and must also reach the operator.
func IsUserError(err error) bool {
	var notFound *NotFoundError
	var noClass *NoClassError
	return errors.As(err, &notFound) || errors.As(err, &noClass)
}
