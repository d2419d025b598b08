package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := NotFound("transfer", "t-1")
	wrapped := fmt.Errorf("loading: %w", base)

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestIsComparesByCode(t *testing.T) {
	sentinel := New(ErrCodeDuplicateAction, "")
	err := Wrap(New(ErrCodeDuplicateAction, "user already acted"), ErrCodeInternal, "outer")

	require.True(t, Is(err, sentinel))
	assert.False(t, Is(err, New(ErrCodeNotAssigned, "")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		ErrCodeInvalidInput:     http.StatusBadRequest,
		ErrCodeValidation:       http.StatusBadRequest,
		ErrCodeNotFound:         http.StatusNotFound,
		ErrCodeNotAssigned:      http.StatusForbidden,
		ErrCodeDuplicateAction:  http.StatusConflict,
		ErrCodeWorkflowTerminal: http.StatusConflict,
		ErrCodeInsufficientFund: http.StatusUnprocessableEntity,
		ErrCodeInternal:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(code, "x")), string(code))
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "INVALID_INPUT: notes: is required", InvalidInput("notes", "is required").Error())
	assert.Equal(t, "INTERNAL: boom: cause", Wrap(fmt.Errorf("cause"), ErrCodeInternal, "boom").Error())
}
