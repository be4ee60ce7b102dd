//go:build linux

package iouring

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWithLoggerReceivesLifecycleEvents(t *testing.T) {
	skipIfNoIOURing(t)

	var buf bytes.Buffer
	l := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})

	ring, err := New(8, WithLogger(l))
	require.NoError(t, err)
	require.NoError(t, ring.Close())

	require.Contains(t, buf.String(), "ring opened")
	require.Contains(t, buf.String(), "ring closed")
}

func TestErrorsWrapPreservesErrnoIdentity(t *testing.T) {
	// New(0) fails before any OS call, so it returns unix.EINVAL directly
	// (unwrapped) rather than through pkg/errors - both paths must satisfy
	// errors.Is against the sentinel a caller would check for.
	_, err := New(0)
	require.Error(t, err)
	require.True(t, errors.Is(err, unix.EINVAL))

	// The wrapped path, as New returns it when io_uring_setup itself fails.
	wrapped := pkgerrors.Wrap(unix.EINVAL, "iouring: setup")
	require.True(t, errors.Is(wrapped, unix.EINVAL))
}

func TestSubmitAndWaitTimeoutHonorsDeadline(t *testing.T) {
	skipIfNoIOURing(t)

	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	// Nothing queued and nothing will ever complete; the wait count is
	// clamped to zero, so the call must return without blocking forever.
	start := time.Now()
	_, err = ring.SubmitAndWaitTimeout(1, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.True(t, err == nil || errors.Is(err, unix.ETIME))
	require.Less(t, elapsed, 2*time.Second)
}

func TestCloseIsIdempotentAndLogsNothingOnSuccess(t *testing.T) {
	skipIfNoIOURing(t)

	var buf bytes.Buffer
	l := log.NewWithOptions(&buf, log.Options{Level: log.WarnLevel})

	ring, err := New(8, WithLogger(l))
	require.NoError(t, err)

	require.NoError(t, ring.Close())
	require.NoError(t, ring.Close())
	require.Empty(t, buf.String(), "a clean close should log nothing at warn level")
}
