package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageSeparateFromCode(t *testing.T) {
	err := New(CodeConflict, "another shift is already active")

	assert.Equal(t, CodeConflict, CodeOf(err))
	assert.Equal(t, "another shift is already active", MessageOf(err))
	assert.Contains(t, err.Error(), "CONFLICT")
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeTransientNetwork, cause, "dial failed")

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "dial failed", MessageOf(err))
}

func TestCodeOf_WrappedChain(t *testing.T) {
	inner := New(CodeNotFound, "shift missing")
	outer := fmt.Errorf("lifecycle: %w", inner)

	assert.Equal(t, CodeNotFound, CodeOf(outer))
	assert.True(t, IsNotFound(outer))
}

func TestCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, IsConflict(errors.New("boom")))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsConflict(New(CodeConflict, "x")))
	assert.True(t, IsPermissionDenied(New(CodePermissionDenied, "x")))
	assert.False(t, IsPermissionDenied(New(CodeValidation, "x")))
}
