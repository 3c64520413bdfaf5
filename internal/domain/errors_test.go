package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"not found", fmt.Errorf("get lot: %w", ErrNotFound), KindNotFound},
		{"conflict", Errorf(ErrConflict, "number %d taken", 3), KindConflict},
		{"invalid", Errorf(ErrInvalidArgument, "count must be positive"), KindInvalidArgument},
		{"transient", fmt.Errorf("list: %w: %w", ErrTransient, errors.New("database is locked")), KindTransient},
		{"lost race", ErrConcurrentModification, KindTransient},
		{"denied", ErrPermissionDenied, KindPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestReconcileError(t *testing.T) {
	cause := fmt.Errorf("update counts: %w", ErrTransient)
	var err error = &ReconcileError{LotID: "lot-1", Err: cause}

	assert.True(t, Retryable(err))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Contains(t, err.Error(), "lot-1")

	re, ok := AsReconcileError(fmt.Errorf("set status: %w", err))
	if assert.True(t, ok) {
		assert.Equal(t, "lot-1", re.LotID)
	}

	_, ok = AsReconcileError(cause)
	assert.False(t, ok)
}
