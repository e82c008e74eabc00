package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with an error.
type ErrorClass int

const (
	// ErrorTransient errors may succeed on retry.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid errors are caused by the input or configuration and will
	// fail again unchanged.
	ErrorInvalid
	// ErrorFatal errors leave the component unusable.
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Transport errors
var (
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// Data errors
var (
	ErrInvalidData   = errors.New("invalid data format")
	ErrDataCorrupted = errors.New("data corrupted")
	ErrParsingFailed = errors.New("parsing failed")
)

// Cache errors
var (
	// ErrSizeUnavailable is returned when a value's memory size cannot be
	// computed. The offer is not counted.
	ErrSizeUnavailable = errors.New("memory size unavailable")
	// ErrTableRemoved is returned for offers and loads against a table that
	// was removed and whose tombstone has not yet expired.
	ErrTableRemoved = errors.New("table removed")
)

// Configuration errors
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// Unclassified errors match these sentinels first. Message fragments apply
// only to errors that match no sentinel.
var (
	transientSentinels = []error{
		ErrNoConnection, ErrConnectionLost, ErrConnectionTimeout, ErrSubscriptionFailed,
		context.DeadlineExceeded, context.Canceled,
	}
	invalidSentinels = []error{ErrInvalidData, ErrParsingFailed, ErrSizeUnavailable, ErrTableRemoved}
	fatalSentinels   = []error{ErrInvalidConfig, ErrMissingConfig, ErrDataCorrupted}

	transientFragments = []string{"timeout", "connection", "network", "temporary", "unavailable"}
	fatalFragments     = []string{"fatal", "panic", "corrupted", "out of memory"}
)

// ClassifiedError carries a class and the component and operation that
// produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// explicitClass returns the class of the outermost ClassifiedError in err's
// chain.
func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func matchesAny(err error, sentinels []error) bool {
	for _, target := range sentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func mentionsAny(err error, fragments []string) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range fragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorTransient
	}
	if matchesAny(err, transientSentinels) {
		return true
	}
	if matchesAny(err, invalidSentinels) || matchesAny(err, fatalSentinels) {
		return false
	}
	return mentionsAny(err, transientFragments)
}

// IsFatal reports whether err leaves the component unusable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorFatal
	}
	if matchesAny(err, fatalSentinels) {
		return true
	}
	if matchesAny(err, transientSentinels) || matchesAny(err, invalidSentinels) {
		return false
	}
	return mentionsAny(err, fatalFragments)
}

// IsInvalid reports whether err was caused by bad input. Unclassified
// errors are invalid only through a sentinel.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorInvalid
	}
	return matchesAny(err, invalidSentinels)
}

// Classify returns the class of err. Unknown errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := explicitClass(err); ok {
		return class
	}
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err with context and marks it transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err with context and marks it fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err with context and marks it invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Is, As, New and Join re-export the standard library so callers need only
// this package.

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

func Join(errs ...error) error { return errors.Join(errs...) }
