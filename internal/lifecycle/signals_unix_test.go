//go:build unix

package lifecycle

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lessonsync/internal/logging"
)

func TestDispatch(t *testing.T) {
	rec := &recorder{}
	dispatch(syscall.SIGHUP, rec)
	dispatch(syscall.SIGUSR1, rec)
	dispatch(syscall.SIGCONT, rec)

	assert.Equal(t, 2, rec.suspends)
	assert.Equal(t, 1, rec.resumes)
}

func TestWatchSignalsDeliversSuspend(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchSignals(ctx, rec, logging.Discard())
		close(done)
	}()

	// Give signal.Notify time to register before raising
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.suspends == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
