package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkedErrorsMatchKind(t *testing.T) {
	err := NewError("invoice is not a draft").
		WithHint("Items can only be added to draft invoices").
		Mark(ErrInvalidState)

	assert.True(t, IsInvalidState(err))
	assert.False(t, IsInvalidArgument(err))
	assert.Equal(t, "Items can only be added to draft invoices", Hint(err))
}

func TestWrappedErrorsKeepKind(t *testing.T) {
	base := NewError("claim exists").Mark(ErrDuplicateClaim)
	wrapped := fmt.Errorf("submit claim: %w", base)

	assert.True(t, IsDuplicateClaim(wrapped))
	assert.Equal(t, http.StatusConflict, HTTPStatusFromErr(wrapped))
}

func TestHTTPStatusFromErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NewError("x").Mark(ErrNotFound), http.StatusNotFound},
		{"invalid state", NewError("x").Mark(ErrInvalidState), http.StatusConflict},
		{"invalid argument", NewError("x").Mark(ErrInvalidArgument), http.StatusBadRequest},
		{"currency mismatch", NewError("x").Mark(ErrCurrencyMismatch), http.StatusUnprocessableEntity},
		{"version conflict", NewError("x").Mark(ErrVersionConflict), http.StatusConflict},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromErr(tt.err))
		})
	}
}

func TestHintFallsBackToMessage(t *testing.T) {
	err := NewError("plain failure").Mark(ErrSystem)
	assert.Contains(t, Hint(err), "plain failure")
}
