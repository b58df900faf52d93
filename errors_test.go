package orma

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrmaErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *OrmaError
		want string
	}{
		{
			name: "plain",
			err:  NewConflictError(ErrCodeSessionClosed, "session is closed"),
			want: "[conflict:SESSION_CLOSED] session is closed",
		},
		{
			name: "entity",
			err:  NewEntityNotFoundError("Member", 7),
			want: "[not_found:ENTITY_NOT_FOUND] entity Member: no row for key 7",
		},
		{
			name: "field",
			err:  NewValidationError("size", "must be positive"),
			want: "[validation:MALFORMED_QUERY] field 'size': must be positive",
		},
		{
			name: "entity and field",
			err:  NewConfigurationError(ErrCodeInvalidMapping, "unsupported type").WithEntity("Member").WithField("tags"),
			want: "[configuration:INVALID_MAPPING] Member.tags: unsupported type",
		},
		{
			name: "with cause",
			err:  NewBackendError("insert failed", errors.New("disk full")),
			want: "[backend:STATEMENT_FAILED] insert failed: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestOrmaErrorIs(t *testing.T) {
	closed := NewConflictError(ErrCodeSessionClosed, "closed")
	assert.ErrorIs(t, closed, ErrSessionClosed)
	assert.ErrorIs(t, closed, ErrConflict)
	assert.NotErrorIs(t, closed, ErrLazyInitialization)
	assert.NotErrorIs(t, closed, ErrValidation)

	wrapped := fmt.Errorf("commit: %w", NewUnsupportedPredicateError("findByFoo", "Foo"))
	assert.ErrorIs(t, wrapped, ErrUnsupportedPredicate)
	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.Equal(t, ErrCodeUnsupportedPredicate, ErrorCode(wrapped))
	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsConflictError(wrapped))

	cause := errors.New("connection reset")
	backend := NewBackendError("flush failed", cause)
	assert.ErrorIs(t, backend, ErrBackend)
	assert.ErrorIs(t, backend, cause)

	assert.ErrorIs(t, NewAmbiguousResultError(2), ErrAmbiguousResult)
	assert.ErrorIs(t, NewEntityNotFoundError("Member", 1), ErrNotFound)
	assert.True(t, IsErrorType(NewInternalError("boom", nil), ErrorTypeInternal))

	assert.Empty(t, ErrorCode(errors.New("plain")))
	assert.False(t, IsValidationError(nil))
}

func TestOrmaErrorDetails(t *testing.T) {
	err := NewAmbiguousResultError(3)
	assert.Equal(t, 3, err.Details["rows"])

	err = NewUnsupportedPredicateError("findByAgeRoughly", "Roughly")
	assert.Equal(t, map[string]any{"method": "findByAgeRoughly", "token": "Roughly"}, err.Details)

	e := NewOrmaError(ErrorTypeConflict, ErrCodeAlreadyRemoved, "gone").WithDetail("key", 4).WithCause(ErrSessionClosed)
	require.NotNil(t, e.Details)
	assert.Equal(t, 4, e.Details["key"])
	assert.ErrorIs(t, e, ErrSessionClosed)
}
