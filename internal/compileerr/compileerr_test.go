package compileerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := New(UnknownColumn, "unknown column %q", "ssn")
	assert.Equal(t, `unknown_column: unknown column "ssn"`, e.Error())

	withPath := e.WithPath("team.name")
	assert.Equal(t, `unknown_column: unknown column "ssn" (team.name)`, withPath.Error())
	assert.NotContains(t, e.Error(), "team.name", "WithPath must not mutate the receiver")
}

func TestWithOffset(t *testing.T) {
	e := New(SyntaxError, "unexpected token")
	withOffset := e.WithOffset(7)
	assert.Equal(t, 7, withOffset.Offset)
	assert.Equal(t, 0, e.Offset)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(DatabaseError, cause, "query failed")
	assert.ErrorIs(t, e, cause)
}

func TestAs(t *testing.T) {
	var target *Error
	assert.True(t, As(New(CycleDetected, "cycle"), &target))
	require.NotNil(t, target)
	assert.Equal(t, CycleDetected, target.Kind)

	assert.False(t, As(errors.New("plain"), &target))
}
