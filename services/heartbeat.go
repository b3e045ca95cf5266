package services

import (
	"context"
	"time"

	"chorus/realtime-service/utils"
)

// HeartbeatMonitor periodically sweeps the local registry and evicts
// connections that stopped sending heartbeats. One instance runs per
// process.
type HeartbeatMonitor struct {
	manager  *ConnectionManager
	interval time.Duration
	timeout  time.Duration
	logger   *utils.Logger
}

func NewHeartbeatMonitor(manager *ConnectionManager, interval, timeout time.Duration, logger *utils.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		manager:  manager,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run sweeps on a fixed period until the context is cancelled.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	h.logger.Info("Started heartbeat monitor", "interval", h.interval.String(), "timeout", h.timeout.String())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Stopped heartbeat monitor")
			return
		case <-ticker.C:
			h.manager.CheckStaleConnections(ctx, h.timeout)
		}
	}
}
