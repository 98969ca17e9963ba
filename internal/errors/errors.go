// Package errors defines the error kinds propagated by the launcher, per
// the error handling design: each pre-fork failure is fatal and surfaces as
// "[<section>] <message>"; post-fork failures are logged and the offending
// worker is restarted or continues, depending on kind.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Section is the configuration section (or "conf" for parse errors) an
// error should be attributed to when printed on the parent's stderr.
type Section string

// ConfigError wraps a configuration parse or validation failure.
type ConfigError struct {
	Section Section
	cause   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("[%s] %s", e.Section, e.cause) }
func (e *ConfigError) Unwrap() error { return e.cause }

// NewConfigError wraps cause as a ConfigError attributed to section.
func NewConfigError(section Section, cause error) *ConfigError {
	return &ConfigError{Section: section, cause: errors.Wrap(cause, "config error")}
}

// BindError wraps a listener bind failure surfaced after exhausting retries.
type BindError struct {
	Section Section
	Addr    string
	cause   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("[%s] bind %s: %s", e.Section, e.Addr, e.cause)
}
func (e *BindError) Unwrap() error { return e.cause }

// NewBindError wraps cause as a BindError.
func NewBindError(section Section, addr string, cause error) *BindError {
	return &BindError{Section: section, Addr: addr, cause: errors.Wrap(cause, "bind failed")}
}

// PrivilegeError wraps a user/group privilege-drop failure.
type PrivilegeError struct {
	Identity string // the user or group name being switched to
	cause    error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("[brim] privilege drop to %q: %s", e.Identity, e.cause)
}
func (e *PrivilegeError) Unwrap() error { return e.cause }

// NewPrivilegeError wraps cause as a PrivilegeError.
func NewPrivilegeError(identity string, cause error) *PrivilegeError {
	return &PrivilegeError{Identity: identity, cause: cause}
}

// PidfileError wraps a pidfile conflict or write failure.
type PidfileError struct {
	Path  string
	cause error
}

func (e *PidfileError) Error() string {
	return fmt.Sprintf("[brim] pidfile %s: %s", e.Path, e.cause)
}
func (e *PidfileError) Unwrap() error { return e.cause }

// NewPidfileError wraps cause as a PidfileError.
func NewPidfileError(path string, cause error) *PidfileError {
	return &PidfileError{Path: path, cause: cause}
}

// FactoryInitError wraps a panic/error raised by a factory's ParseConf hook.
type FactoryInitError struct {
	Section Section
	cause   error
}

func (e *FactoryInitError) Error() string { return fmt.Sprintf("[%s] %s", e.Section, e.cause) }
func (e *FactoryInitError) Unwrap() error { return e.cause }

// NewFactoryInitError wraps cause as a FactoryInitError.
func NewFactoryInitError(section Section, cause error) *FactoryInitError {
	return &FactoryInitError{Section: section, cause: cause}
}

// HandlerRuntimeError wraps a panic/error raised by a handler invocation,
// carrying the request id that was active when it happened.
type HandlerRuntimeError struct {
	RequestID string
	cause     error
}

func (e *HandlerRuntimeError) Error() string {
	return fmt.Sprintf("request %s: %s", e.RequestID, e.cause)
}
func (e *HandlerRuntimeError) Unwrap() error { return e.cause }

// NewHandlerRuntimeError wraps cause as a HandlerRuntimeError.
func NewHandlerRuntimeError(requestID string, cause error) *HandlerRuntimeError {
	return &HandlerRuntimeError{RequestID: requestID, cause: cause}
}

// WorkerCrash records a non-cooperative worker exit that triggers a
// supervisor restart.
type WorkerCrash struct {
	Scope string
	cause error
}

func (e *WorkerCrash) Error() string { return fmt.Sprintf("worker %s crashed: %s", e.Scope, e.cause) }
func (e *WorkerCrash) Unwrap() error { return e.cause }

// NewWorkerCrash wraps cause as a WorkerCrash.
func NewWorkerCrash(scope string, cause error) *WorkerCrash {
	return &WorkerCrash{Scope: scope, cause: cause}
}
