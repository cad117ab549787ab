package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "job 42")
	err = Wrap(err, "failed to load job")

	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsHookDisabledError(err))
	assert.Contains(t, err.Error(), "failed to load job")
	assert.Contains(t, err.Error(), "job 42")
}

func TestDisabledAndNotFoundAreDistinct(t *testing.T) {
	disabled := NewHookDisabledError("royalroad")
	missing := NewNotFoundError("hook %q", "royalroad")

	assert.True(t, IsHookDisabledError(disabled))
	assert.False(t, IsNotFoundError(disabled))
	assert.True(t, IsNotFoundError(missing))
	assert.False(t, IsHookDisabledError(missing))
	assert.Contains(t, disabled.Error(), "royalroad")
}

func TestInvalidRequest(t *testing.T) {
	err := NewInvalidRequestError("unknown job type %q", "bogus")
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "bogus")
	assert.False(t, IsInvalidRequestError(nil))
}

func TestFatalSchedulerError(t *testing.T) {
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var err error = &FatalSchedulerError{Reason: "jobs stuck", StuckJobs: 5, Since: since}
	err = Wrap(err, "health check")

	require.True(t, IsFatalSchedulerError(err))
	var fatal *FatalSchedulerError
	require.True(t, As(err, &fatal))
	assert.Equal(t, 5, fatal.StuckJobs)
	assert.Contains(t, err.Error(), "2024-03-01T12:00:00Z")

	assert.False(t, IsFatalSchedulerError(New("plain")))
	assert.False(t, IsFatalSchedulerError(nil))
}

func TestErrorChaining(t *testing.T) {
	base := New("base error")

	err := Wrap(base, "layer 1")
	err = WithHint(err, "helpful hint")
	err = WithDetail(err, "Job ID: 7")
	err = Wrap(err, "layer 2")

	assert.True(t, Is(err, base))
	assert.Contains(t, GetAllHints(err), "helpful hint")
	assert.Contains(t, GetAllDetails(err), "Job ID: 7")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
}

func ExampleNewHookDisabledError() {
	err := NewHookDisabledError("novelupdates")
	fmt.Println(err)
	// Output: hook "novelupdates": hook disabled
}
