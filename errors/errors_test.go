package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapFormat(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Pipeline", "HandleMessage", "parse weight")
	require.Error(t, err)
	assert.Equal(t, "Pipeline.HandleMessage: parse weight failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Store", "Put", "write device")
			var ce *ClassifiedError
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Store", ce.Component)
			assert.True(t, stderrors.Is(err, base))
			assert.Equal(t, tt.class, Classify(err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrBusNotReady))
	assert.True(t, IsTransient(ErrStoreNotReady))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, IsTransient(ErrMalformedValue))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedValue))
	assert.True(t, IsInvalid(ErrUnknownTopic))
	assert.True(t, IsInvalid(ErrQuantityOutOfRange))
	assert.False(t, IsInvalid(ErrBusNotReady))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrReconnectBudget))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.False(t, IsFatal(ErrSessionActive))
	assert.False(t, IsFatal(nil))
}

func TestClassifyWrappedChain(t *testing.T) {
	inner := WrapInvalid(ErrMalformedValue, "Pipeline", "parse", "numeric payload")
	outer := fmt.Errorf("handler: %w", inner)
	assert.Equal(t, ErrorInvalid, Classify(outer))
}
