package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor pings every attached connection of its managers on a fixed interval.
// A connection that does not answer within the timeout is closed; its read loop then
// reports the disconnect through the normal path.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	managers []*Manager
	logger   *slog.Logger
}

// NewMonitor creates a liveness monitor.
func NewMonitor(interval, timeout time.Duration, logger *slog.Logger, managers ...*Manager) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{interval: interval, timeout: timeout, managers: managers, logger: logger}
}

// Run sweeps until ctx is done.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.Sweep(ctx)
		}
	}
}

// Sweep probes every attached connection once and waits for the probes to finish.
func (mon *Monitor) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range mon.managers {
		for _, conn := range m.AttachedConns() {
			wg.Add(1)
			go func(endpoint string, c Conn) {
				defer wg.Done()
				pingCtx, cancel := context.WithTimeout(ctx, mon.timeout)
				defer cancel()
				if err := c.Ping(pingCtx); err != nil {
					if ctx.Err() != nil {
						return
					}
					mon.logger.Info("Closing unresponsive connection", "endpoint", endpoint, "conn_id", c.ID(), "error", err)
					c.Close("ping timeout")
				}
			}(m.Endpoint(), conn)
		}
	}
	wg.Wait()
}
