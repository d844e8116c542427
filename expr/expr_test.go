package expr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSimpleSum(t *testing.T) {
	src, err := Compile("x+y", "add_xy")
	require.NoError(t, err)
	assert.Contains(t, src, "__kernel void add_xy(__global float *x, __global float *y, __global float *out)")
	assert.Contains(t, src, "out[idx] = x[idx]+y[idx];")
}

func TestCompileMulThenAdd(t *testing.T) {
	src, err := Compile("x*2+1", "scale")
	require.NoError(t, err)
	assert.True(t, strings.Contains(src, "x[idx]*2+1"))
}

func TestCompilePreservesLeadingUnaryQuirk(t *testing.T) {
	// A leading unary minus emits the literal two characters "+-" and then
	// recurses, rather than negating the operand that follows — matching
	// the original compiler's behavior exactly rather than "fixing" it.
	src, err := Compile("-x", "neg")
	require.NoError(t, err)
	assert.Contains(t, src, "out[idx] = +-x[idx];")
}

func TestCompileRejectsUnexpectedCharacter(t *testing.T) {
	_, err := Compile("x@y", "bad")
	assert.Error(t, err)
}

func TestCompileFunctionCall(t *testing.T) {
	src, err := Compile("sqrt(x)", "root")
	require.NoError(t, err)
	assert.Contains(t, src, "sqrt(x[idx])")
}
