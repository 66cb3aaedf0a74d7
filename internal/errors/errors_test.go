package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := New(ErrCodeUnknownReferenceTag, "unknown tag %q", "@foo")
	assert.Equal(t, `UNKNOWN_REFERENCE_TAG: unknown tag "@foo"`, err.Error())

	cause := errors.New("disk full")
	wrapped := Wrap(ErrCodeUnresolvedReference, cause, "resolve %s", "@name:x")
	assert.Equal(t, "UNRESOLVED_REFERENCE: resolve @name:x: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestIs_UnwrapsChain(t *testing.T) {
	inner := New(ErrCodeComplexAttribute, "attributes.a.b")
	outer := fmt.Errorf("apply /1: %w", inner)

	assert.True(t, Is(outer, ErrCodeComplexAttribute))
	assert.False(t, Is(outer, ErrCodeInvalidDocument))
	assert.Equal(t, ErrCodeComplexAttribute, GetCode(outer))
	assert.Equal(t, Code(""), GetCode(errors.New("plain")))
	assert.False(t, Is(nil, ErrCodeComplexAttribute))
}
