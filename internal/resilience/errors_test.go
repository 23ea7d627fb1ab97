package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad input"), false},
		{"explicit transient", NewTransientError(errors.New("slow down"), 429), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 503), "claude"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"i/o timeout text", errors.New("read tcp: i/o timeout"), true},
		{"overloaded text", errors.New("Overloaded"), true},
		{"permanent", NewPermanentError(errors.New("invalid api key"), 401), false},
		{"permanent wrapping transient", NewPermanentError(NewTransientError(errors.New("x"), 503), 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()

	base := errors.New("api error")

	assert.Nil(t, ClassifyHTTP(nil, 500))
	assert.Same(t, base, ClassifyHTTP(base, 0))

	err := ClassifyHTTP(base, 529)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)

	err = ClassifyHTTP(base, 400)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))

	var pe *PermanentError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, 400, pe.StatusCode)
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient (status 503): boom", NewTransientError(errors.New("boom"), 503).Error())
	assert.Equal(t, "transient: boom", NewTransientError(errors.New("boom"), 0).Error())
	assert.Equal(t, "permanent (status 401): nope", NewPermanentError(errors.New("nope"), 401).Error())
	assert.Equal(t, "permanent: nope", NewPermanentError(errors.New("nope"), 0).Error())
	assert.Equal(t, "transient", Classify(context.DeadlineExceeded))
	assert.Equal(t, "permanent", Classify(errors.New("x")))
}
