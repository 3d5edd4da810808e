//go:build !unix

package lifecycle

import (
	"context"
	"log/slog"
)

// WatchSignals waits for ctx; suspend and resume signals are unix-only
func WatchSignals(ctx context.Context, _ Listener, _ *slog.Logger) {
	<-ctx.Done()
}
