package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/lessonsync/internal/logging"
)

// ProbeTimeout bounds a single connectivity check
const ProbeTimeout = 5 * time.Second

// Prober polls a URL and reports connectivity transitions. Any HTTP
// response counts as online; a transport error counts as offline.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewProber creates a prober for url polled every interval
func NewProber(url string, interval time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: ProbeTimeout},
		logger:   logging.OrDefault(logger).With("component", "prober"),
	}
}

// Check performs one HEAD request
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("Invalid probe URL", "url", p.url, "error", err)
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Connectivity probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Run checks immediately and then every interval until ctx is done. The
// first result is always reported; later ones only when they change.
func (p *Prober) Run(ctx context.Context, l Listener) {
	last := p.Check(ctx)
	l.OnConnectivityChange(last)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			if online != last {
				p.logger.Info("Connectivity changed", "online", online)
				l.OnConnectivityChange(online)
				last = online
			}
		}
	}
}
