package database

import (
	"context"
	"time"
)

// Health is the database portion of the service health report: a ping
// round-trip plus the pool pressure numbers worth alerting on.
type Health struct {
	Reachable bool  `json:"reachable"`
	PingMs    int64 `json:"ping_ms"`
	OpenConns int   `json:"open_conns"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

// Health pings the database and snapshots the pool. The report is returned
// even on failure so the health endpoint can show what it saw.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	start := time.Now()
	err := c.db.PingContext(ctx)

	stats := c.db.Stats()
	report := &Health{
		Reachable: err == nil,
		PingMs:    time.Since(start).Milliseconds(),
		OpenConns: stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		WaitCount: stats.WaitCount,
	}
	return report, err
}
