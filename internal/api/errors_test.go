package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesMatchOwnKindOnly(t *testing.T) {
	notFound := NewNotFoundError("tool", "calc_xzcli_add")
	validation := NewValidationError("bad input: %s", "nope")

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(validation))
	assert.True(t, IsValidation(validation))
	assert.False(t, IsValidation(notFound))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch failed: %w", NewNotConnectedError("service calc"))
	assert.True(t, IsNotConnected(err))

	err = fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NewConflictError("endpoint", "wss://a")))
	assert.True(t, IsConflict(err))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "tool add not found", NewNotFoundError("tool", "add").Error())
	assert.Equal(t, "endpoint wss://a already exists", NewConflictError("endpoint", "wss://a").Error())
	assert.Equal(t, "service calc is not connected", NewNotConnectedError("service calc").Error())
	assert.Equal(t, "endpoint manager is not initialized", NewNotInitializedError("endpoint manager").Error())
	assert.Equal(t, "function handler is not implemented", NewNotImplementedError("function handler").Error())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCode(NewNotFoundError("tool", "x")))
	assert.Equal(t, CodeValidation, ErrorCode(NewValidationError("x")))
	assert.Equal(t, CodeTransport, ErrorCode(NewTransportError("connect", errors.New("refused"))))
	assert.Equal(t, CodeTransport, ErrorCode(fmt.Errorf("wrapped: %w", NewTransportError("connect", errors.New("refused")))))
	assert.Empty(t, ErrorCode(errors.New("outside the taxonomy")))
	assert.Empty(t, ErrorCode(nil))
}

func TestTransportErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError("connect", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transport connect failed")
}

func TestConfigurationErrorWithAndWithoutCause(t *testing.T) {
	plain := NewConfigurationError("missing %s", "command")
	assert.Equal(t, "missing command", plain.Error())

	cause := errors.New("eof")
	wrapped := &ConfigurationError{Message: "parse failed", Err: cause}
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "parse failed: eof", wrapped.Error())
}
