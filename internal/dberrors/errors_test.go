package dberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	t.Parallel()

	err := New(KindPoolTimeout, "acquire timed out")
	assert.True(t, OfKind(err, KindPoolTimeout))
	assert.False(t, OfKind(err, KindConnectionFailure))

	wrapped := fmt.Errorf("outer context: %w", err)
	assert.True(t, OfKind(wrapped, KindPoolTimeout))

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindPoolTimeout, kind)
}

func TestErrorIsComparesKindOnly(t *testing.T) {
	t.Parallel()

	a := New(KindMigrationFailure, "first message").WithID("m1")
	b := New(KindMigrationFailure, "different message")
	assert.True(t, errors.Is(a, b))

	c := New(KindValidationFailure, "first message")
	assert.False(t, errors.Is(a, c))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("driver: connection refused")
	err := New(KindConnectionFailure, "connect primary").WithCause(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestErrorMessageIncludesID(t *testing.T) {
	t.Parallel()

	err := New(KindTransactionFailure, "rolled back").WithID("tx-123")
	assert.Contains(t, err.Error(), "tx-123")
}

func TestKindOfNonKernelError(t *testing.T) {
	t.Parallel()

	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, OfKind(nil, KindPoolTimeout))
}

func TestWithDetail(t *testing.T) {
	t.Parallel()

	err := New(KindTenantAccessDenied, "denied").
		WithDetail("resource_type", "storage").
		WithDetail("limit", 100)
	assert.Equal(t, "storage", err.Details["resource_type"])
	assert.Equal(t, 100, err.Details["limit"])
}
