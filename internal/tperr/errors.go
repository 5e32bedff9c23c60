// Package tperr defines the error taxonomy of the partitioning engine.
//
// Three concrete types cover every failure the engine reports:
//   - ConfigError: bad or ambiguous slicing rules, option conflicts at wrap time
//   - ShapeError: an axis that does not divide, or a shape mismatch found while
//     building shards or splitting inputs
//   - ExecutionError: a failure raised by a shard during forward or backward,
//     tagged with the shard index
//
// All three are pointer types matchable with errors.As.
package tperr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ErrUnsupported is returned by adapter operations the wrapped module does
// not provide.
var ErrUnsupported = errors.New("operation not supported by the wrapped module")

// ConfigError reports an invalid slicing configuration or an invalid
// combination of wrap-time options.
type ConfigError struct {
	// Param is the offending parameter path, if any.
	Param string
	// Shape is the offending parameter shape, if any.
	Shape tensor.Shape
	// Operators names the operators involved (producer first), if any.
	Operators []string
	// Reason is a human readable description.
	Reason string
	// Err is the underlying error, if any. A rule that rejects an
	// indivisible axis sets it to the matching ShapeError.
	Err error
}

// Configf creates a ConfigError with a formatted reason.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ParamConfigf creates a ConfigError naming a parameter and its shape.
func ParamConfigf(param string, shape tensor.Shape, format string, args ...any) *ConfigError {
	return &ConfigError{Param: param, Shape: shape, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Param != "" {
		fmt.Fprintf(&b, ": parameter %q", e.Param)
		if e.Shape != nil {
			fmt.Fprintf(&b, " with shape %v", e.Shape)
		}
	}
	if len(e.Operators) > 0 {
		fmt.Fprintf(&b, ": operators %s", strings.Join(quoteAll(e.Operators), " -> "))
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// ShapeError reports a shape that cannot be partitioned as requested.
type ShapeError struct {
	// Name is the parameter path or input argument name.
	Name     string
	Shape    tensor.Shape
	Axis     int
	NumParts int
	Reason   string
}

func (e *ShapeError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "axis is not divisible by the number of parts"
	}
	return fmt.Sprintf("shape error: %q with shape %v, axis %d, num_parts %d: %s",
		e.Name, e.Shape, e.Axis, e.NumParts, reason)
}

// NotDivisible creates the ShapeError for an axis whose size does not split
// evenly into numParts.
func NotDivisible(name string, shape tensor.Shape, axis, numParts int) *ShapeError {
	size := -1
	if a, err := shape.NormalizeAxis(axis); err == nil {
		size = shape[a]
	}
	return &ShapeError{
		Name:     name,
		Shape:    shape.Clone(),
		Axis:     axis,
		NumParts: numParts,
		Reason:   fmt.Sprintf("axis size %d is not divisible by %d", size, numParts),
	}
}

// ExecutionError wraps a failure raised while a shard was executing.
type ExecutionError struct {
	// Shard is the index of the shard (device index or process rank) that
	// failed first.
	Shard int
	// Op is the phase that failed ("forward", "backward", ...).
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error on shard %d during %s: %v", e.Shard, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *ExecutionError) Cause() error { return e.Err }

// Execution wraps err as an ExecutionError for shard, unless it already is one.
func Execution(shard int, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Shard: shard, Op: op, Err: err}
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsShape reports whether err is (or wraps) a ShapeError.
func IsShape(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
