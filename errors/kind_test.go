package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithKindRoundTrip(t *testing.T) {
	err := NewKind(KindConflict, "slot already claimed")
	kind, ok := GetKind(err)
	assert.True(t, ok)
	assert.Equal(t, KindConflict, kind)
	assert.Equal(t, 409, kind.HTTPStatus())
}

func TestGetKindUnset(t *testing.T) {
	_, ok := GetKind(New("plain error"))
	assert.False(t, ok)
}

func TestIsKind(t *testing.T) {
	err := WithKind(New("no slot"), KindNotFound)
	wrapped := Wrap(err, "claim failed")
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindForbidden))
}
