package protocol

import (
	"errors"
	"fmt"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

var (
	// ErrInvalidCardinality is returned when a command carries neither one
	// feature command nor exactly one per feature.
	ErrInvalidCardinality = errors.New("feature command count does not match device")
	// ErrOutOfRange is returned for targets outside [0,1].
	ErrOutOfRange = errors.New("target out of range")
	// ErrFeatureIndex is returned for a feature index the device does not have.
	ErrFeatureIndex = errors.New("feature index out of range")
	// ErrUnsupported is returned when a family has no translation for a kind.
	ErrUnsupported = errors.New("command not supported by device")
	// ErrHandshake is matched by every HandshakeError.
	ErrHandshake = errors.New("identification handshake failed")
	// ErrUnknownDevice is returned when the registry has no attributes for
	// the resolved identifier.
	ErrUnknownDevice = errors.New("device not found in registry")
	// ErrFeatureLimit is returned when a device declares more features than
	// its family's frames can address.
	ErrFeatureLimit = errors.New("too many features for family")
)

// ValidationError reports a command rejected before any transport I/O.
type ValidationError struct {
	Kind   message.Kind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s command: %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(kind message.Kind, err error, format string, args ...any) error {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// UnsupportedError reports a kind the family cannot translate.
type UnsupportedError struct {
	Family string
	Kind   message.Kind
}

func (e *UnsupportedError) Error() string {
	if e.Family == "" {
		return fmt.Sprintf("%s command not supported", e.Kind)
	}
	return fmt.Sprintf("%s: %s command not supported", e.Family, e.Kind)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// HandshakeError is fatal to adapter construction.
type HandshakeError struct {
	Family string
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s handshake: %s: %v", e.Family, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s handshake: %s", e.Family, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// TransportError wraps a failed write, subscribe or unsubscribe.
type TransportError struct {
	Op       string
	Endpoint transport.Endpoint
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidation reports whether err was a pre-I/O validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
