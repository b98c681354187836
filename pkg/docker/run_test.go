//go:build unit || !integration

package docker

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLogCaptureWaitDrainsFinishedStream(t *testing.T) {
	pr, pw := io.Pipe()
	capture := &logCapture{done: make(chan struct{}), src: pr}
	go capture.consume(pr, nil, nil)

	go func() {
		pw.Write([]byte("step 1\nstep 2\n")) //nolint:errcheck
		pw.Close()
	}()

	capture.wait()
	require.Equal(t, []string{"step 1", "step 2"}, capture.snapshot())
}

func TestLogCaptureWaitJoinsStalledStream(t *testing.T) {
	oldGrace := logStreamDrainGrace
	logStreamDrainGrace = 50 * time.Millisecond
	t.Cleanup(func() { logStreamDrainGrace = oldGrace })

	pr, pw := io.Pipe()
	var mu sync.Mutex
	var sunk []string
	capture := &logCapture{done: make(chan struct{}), src: pr}
	go capture.consume(pr, nil, func(line string) {
		mu.Lock()
		sunk = append(sunk, line)
		mu.Unlock()
	})

	_, err := pw.Write([]byte("building\n"))
	require.NoError(t, err)

	// the stream never ends on its own; wait must cut it and still return
	returned := make(chan struct{})
	go func() {
		capture.wait()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return on a stalled stream")
	}

	// once wait has returned the stream is closed and the sink is silent
	_, err = pw.Write([]byte("late line\n"))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"building"}, sunk)
	require.Equal(t, []string{"building"}, capture.snapshot())
}

func TestWaitFailureIsNotAvailability(t *testing.T) {
	err := waitFailure("specguard/builder:latest", errors.New("unexpected EOF"))
	require.False(t, IsNotAvailable(err))
	require.Contains(t, err.Error(), "specguard/builder:latest")
	require.Contains(t, err.Error(), "unexpected EOF")
}
