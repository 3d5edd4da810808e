//go:build unix

package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/lessonsync/internal/logging"
)

// WatchSignals delivers SIGHUP and SIGUSR1 as OnSuspend and SIGCONT as
// OnResume until ctx is done.
func WatchSignals(ctx context.Context, l Listener, logger *slog.Logger) {
	logger = logging.OrDefault(logger).With("component", "lifecycle")

	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGCONT)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			logger.Debug("Received signal", "signal", sig.String())
			dispatch(sig, l)
		}
	}
}

func dispatch(sig os.Signal, l Listener) {
	switch sig {
	case syscall.SIGHUP, syscall.SIGUSR1:
		l.OnSuspend()
	case syscall.SIGCONT:
		l.OnResume()
	}
}
