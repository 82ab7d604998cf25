package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dargueta/kfsd/errors"
)

func TestCodeOf_DirectConstant(t *testing.T) {
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(errors.ErrNotFound))
	assert.Equal(t, errors.CodeDeviceError, errors.CodeOf(errors.ErrDeviceError))
}

func TestCodeOf_WrappedPreservesRoot(t *testing.T) {
	wrapped := errors.ErrNotFound.WithMessage("looking up /boot.elf")
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(wrapped))
}

func TestCodeOf_UnknownDefaultsToIoError(t *testing.T) {
	assert.Equal(t, errors.CodeIoError, errors.CodeOf(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
