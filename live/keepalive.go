package live

import (
	"context"
	"log/slog"
	"time"

	"loxone-admin/metrics"
)

// DefaultKeepAliveInterval keeps the backend session from expiring
const DefaultKeepAliveInterval = 60 * time.Second

// Pinger is called on every keep-alive tick
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeepAlive pings every interval until ctx is done. Failures are logged and
// do not stop the ticker. A non-positive interval disables it.
func KeepAlive(ctx context.Context, p Pinger, interval time.Duration, m *metrics.Metrics) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.Ping(false)
				slog.Warn("keep-alive ping failed", "err", err)
				continue
			}
			m.Ping(true)
			slog.Debug("keep-alive ping")
		}
	}
}
