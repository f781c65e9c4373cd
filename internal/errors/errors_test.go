package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := External(SubtypeSciHub, "searching products", cause)
	assert.Equal(t, "external error [ESA SciHub Error]: searching products: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "internal error [Job Configuration Error]: tile 32TLR unknown",
		Internalf(SubtypeConfiguration, "tile %s unknown", "32TLR").Error())
}

func TestKindThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("configuring job 12: %w", Externalf(SubtypeHRSIOverloaded, "status 503"))

	assert.True(t, IsExternal(wrapped))
	assert.False(t, IsInternal(wrapped))
	assert.True(t, HasSubtype(wrapped, SubtypeHRSIOverloaded))
	assert.False(t, HasSubtype(wrapped, SubtypeSciHub))

	csiErr, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindExternal, csiErr.Kind)
	assert.Equal(t, "external", csiErr.Kind.String())
}

func TestPlainErrorsAreNeitherKind(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, IsInternal(plain))
	assert.False(t, IsExternal(plain))
	_, ok := As(plain)
	assert.False(t, ok)
}
