package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and closes the ones that have gone silent. Closing the socket
// ends the connection's receive loop, which deregisters the client. The
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections closes connections with no inbound frame within
// Interval + Timeout and sends a protocol-level ping to the rest. Browsers
// answer pings automatically, so a healthy idle client stays alive.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.log.Info("heartbeat timeout",
				zap.String("client_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			_ = c.Close()
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Info("heartbeat ping failed", zap.String("client_id", c.ID), zap.Error(err))
			_ = c.Close()
		}
	}
}
