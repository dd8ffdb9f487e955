package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnprocessable(t *testing.T) {
	err := Unprocessable("missing orderId", nil)
	assert.EqualError(t, err, "unprocessable event: missing orderId")

	wrapped := Unprocessable("bad payload", errors.New("unexpected end of JSON input"))
	assert.Contains(t, wrapped.Error(), "bad payload")
	assert.Contains(t, wrapped.Error(), "unexpected end of JSON input")

	var target *UnprocessableEventError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "bad payload", target.Reason)
}

func TestDownstreamUnavailable(t *testing.T) {
	err := DownstreamUnavailable("wms", nil)
	assert.EqualError(t, err, "downstream wms unavailable")

	wrapped := DownstreamUnavailable("billing", errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "billing")
	assert.Contains(t, wrapped.Error(), "connection refused")

	var target *DownstreamUnavailableError
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "billing", target.System)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"unprocessable", Unprocessable("bad", nil), ErrorCategoryValidation},
		{"wrapped unprocessable", fmt.Errorf("handler: %w", Unprocessable("bad", nil)), ErrorCategoryValidation},
		{"downstream", DownstreamUnavailable("wms", nil), ErrorCategoryDownstream},
		{"wrapped downstream", fmt.Errorf("handler: %w", DownstreamUnavailable("wms", nil)), ErrorCategoryDownstream},
		{"plain error", errors.New("boom"), ErrorCategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.category, Classify(tt.err))
		})
	}
}
