package tperr_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

func TestConfigError_NamesParameterAndOperators(t *testing.T) {
	err := tperr.ParamConfigf("fc1.weight", tensor.Shape{128, 64}, "axis %d out of range", 3)
	assert.Contains(t, err.Error(), `"fc1.weight"`)
	assert.Contains(t, err.Error(), "[128 64]")

	err = &tperr.ConfigError{Operators: []string{"0", "2"}, Reason: "layout mismatch"}
	assert.Contains(t, err.Error(), `"0" -> "2"`)
}

func TestShapeError_NotDivisible(t *testing.T) {
	err := tperr.NotDivisible("fc.weight", tensor.Shape{10, 3}, 0, 4)
	assert.Equal(t, 4, err.NumParts)
	assert.Contains(t, err.Error(), "axis size 10 is not divisible by 4")
}

func TestExecution_WrapsOnce(t *testing.T) {
	base := errors.New("boom")
	err := tperr.Execution(1, "forward", base)
	require.True(t, tperr.IsExecution(err))
	assert.ErrorIs(t, err, base)

	again := tperr.Execution(0, "backward", fmt.Errorf("outer: %w", err))
	var ee *tperr.ExecutionError
	require.True(t, errors.As(again, &ee))
	assert.Equal(t, 1, ee.Shard)

	assert.Nil(t, tperr.Execution(0, "forward", nil))
}

func TestIsHelpers(t *testing.T) {
	wrapped := errors.Wrap(tperr.Configf("bad"), "wrap")
	assert.True(t, tperr.IsConfig(wrapped))
	assert.False(t, tperr.IsShape(wrapped))
	assert.True(t, tperr.IsShape(errors.Wrap(tperr.NotDivisible("x", tensor.Shape{3}, 0, 2), "ctx")))
}

func TestConfigError_UnwrapsCause(t *testing.T) {
	ce := tperr.ParamConfigf("fc.weight", tensor.Shape{10, 3}, "not divisible")
	ce.Err = tperr.NotDivisible("fc.weight", tensor.Shape{10, 3}, 0, 4)
	err := errors.Wrap(ce, "wrap")
	assert.True(t, tperr.IsConfig(err))
	assert.True(t, tperr.IsShape(err))
	assert.NotContains(t, ce.Error(), "shape error", "the cause is not repeated in the message")

	assert.False(t, tperr.IsShape(tperr.Configf("bad")))
}
