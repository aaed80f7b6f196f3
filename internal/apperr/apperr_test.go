package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("classified error returns its kind", func(t *testing.T) {
		err := New(KindValidation, "bad input")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("wrapped classified error still reports its kind", func(t *testing.T) {
		err := Wrap(KindUpstreamTransient, "upstream call failed", errors.New("timeout"))
		assert.Equal(t, KindUpstreamTransient, KindOf(err))
	})

	t.Run("unclassified error defaults to internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	})
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindConfigNotFound, http.StatusNotFound},
		{KindPayloadInvalid, http.StatusUnprocessableEntity},
		{KindMappingFailed, http.StatusUnprocessableEntity},
		{KindUpstreamFatal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.kind), "kind %s", tc.kind)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindUpstreamTransient))
	assert.True(t, Retryable(KindBrokerUnavailable))
	assert.False(t, Retryable(KindUpstreamFatal))
	assert.False(t, Retryable(KindPayloadInvalid))
	assert.False(t, Retryable(KindMappingFailed))
	assert.False(t, Retryable(KindConfigNotFound))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(New(KindUpstreamConflict, "409")))
	assert.False(t, IsConflict(New(KindUpstreamFatal, "500")))
	assert.False(t, IsConflict(errors.New("plain")))
}

func TestErrorMessageFormatting(t *testing.T) {
	withCause := Wrap(KindInternal, "marshal failed", errors.New("unexpected end of input"))
	assert.Contains(t, withCause.Error(), "marshal failed")
	assert.Contains(t, withCause.Error(), "unexpected end of input")

	bare := New(KindValidation, "missing field")
	assert.Equal(t, "ValidationError: missing field", bare.Error())
}
