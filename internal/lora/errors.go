package lora

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below unwraps to one of these.
var (
	ErrConfiguration  = errors.New("invalid lora configuration")
	ErrBundleMismatch = errors.New("bundle does not match model")
	ErrCorruptBundle  = errors.New("corrupt bundle")
	ErrNoMatch        = errors.New("no matching layers")
)

// ConfigurationError reports an infeasible layer configuration, such as a
// rank larger than the layer's input or output width.
type ConfigurationError struct {
	Layer  string // Path or kind of the layer being built
	Rank   int
	Limit  int    // Largest feasible rank, when relevant
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%v: %s: rank %d exceeds limit %d", ErrConfiguration, e.Layer, e.Rank, e.Limit)
	}
	return fmt.Sprintf("%v: %s: %s", ErrConfiguration, e.Layer, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// BundleMismatchError reports correction tensors that cannot be applied to
// the located layers: wrong count, wrong rank class or wrong shape.
type BundleMismatchError struct {
	Expected int // Expected tensor (or rank) count, when relevant
	Got      int
	Layer    string
	Reason   string
}

func (e *BundleMismatchError) Error() string {
	var b strings.Builder
	b.WriteString(ErrBundleMismatch.Error())
	if e.Layer != "" {
		fmt.Fprintf(&b, ": %s", e.Layer)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Expected != 0 || e.Got != 0 {
		fmt.Fprintf(&b, " (expected %d, got %d)", e.Expected, e.Got)
	}
	return b.String()
}

func (e *BundleMismatchError) Unwrap() error { return ErrBundleMismatch }

// CorruptBundleError reports a bundle whose tensors cannot be traced to
// their metadata, or whose metadata is malformed.
type CorruptBundleError struct {
	Key    string
	Reason string
	Err    error
}

func (e *CorruptBundleError) Error() string {
	msg := fmt.Sprintf("%v: key %q: %s", ErrCorruptBundle, e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *CorruptBundleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptBundle, e.Err}
	}
	return []error{ErrCorruptBundle}
}

// NoMatchError reports a traversal that found nothing to operate on.
type NoMatchError struct {
	Operation string
	Targets   []string
}

func (e *NoMatchError) Error() string {
	if len(e.Targets) == 0 {
		return fmt.Sprintf("%s: %v", e.Operation, ErrNoMatch)
	}
	return fmt.Sprintf("%s: %v under %v", e.Operation, ErrNoMatch, e.Targets)
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

// errorType classifies err for metrics labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrBundleMismatch):
		return "bundle_mismatch"
	case errors.Is(err, ErrCorruptBundle):
		return "corrupt_bundle"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	default:
		return "other"
	}
}
