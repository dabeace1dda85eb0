package server

import (
	"log"
	"time"
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

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and removes those that have gone
// stale (no successful reads within Interval + Timeout). It returns
// immediately; the goroutine exits on Shutdown.
func (s *Server) StartHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections without
// a successful read within Interval + Timeout are considered dead and are
// removed, which releases their room membership. All others receive a
// protocol-level ping frame, answered automatically by the client's
// WebSocket stack; a failed ping write removes the connection as well.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.connections() {
		if idle := now.Sub(c.LastRead()); idle > deadline {
			log.Printf("server: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			s.remove(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("server: heartbeat ping failed conn=%s: %v", c.ID, err)
			s.remove(c)
		}
	}
}
