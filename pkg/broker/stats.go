package broker

import (
	"fmt"
	"time"

	"github.com/billm/fanout/pkg/delivery"
	"github.com/billm/fanout/pkg/endpoint"
)

// Stats represents broker statistics
type Stats struct {
	ControlAddress endpoint.Address       `json:"control_address"`
	Running        bool                   `json:"running"`
	Subscribers    int                    `json:"subscribers"`
	Alive          int                    `json:"alive"`
	Connected      int                    `json:"connected"`
	Queued         int                    `json:"queued"`
	Published      int64                  `json:"published"`
	Attached       int64                  `json:"attached"`
	Evicted        int64                  `json:"evicted"`
	Uptime         time.Duration          `json:"uptime"`
	Workers        []delivery.WorkerStats `json:"workers"`
}

// Stats returns a snapshot of the broker and its workers
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	workers := make([]*delivery.Worker, 0, len(b.subs))
	for _, sub := range b.subs {
		workers = append(workers, sub.worker)
	}
	b.mu.RUnlock()

	stats := Stats{
		ControlAddress: b.control,
		Running:        b.IsRunning(),
		Subscribers:    len(workers),
		Published:      b.published.Load(),
		Attached:       b.attached.Load(),
		Evicted:        b.evicted.Load(),
		Uptime:         time.Since(b.createdAt),
		Workers:        make([]delivery.WorkerStats, 0, len(workers)),
	}
	for _, w := range workers {
		ws := w.Stats()
		if w.IsAlive() {
			stats.Alive++
		}
		if ws.Connected {
			stats.Connected++
		}
		stats.Queued += ws.Queued
		stats.Workers = append(stats.Workers, ws)
	}
	return stats
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("BrokerStats{Control: %s, Running: %t, Subscribers: %d, Alive: %d, Connected: %d, Queued: %d, Published: %d, Evicted: %d}",
		s.ControlAddress, s.Running, s.Subscribers, s.Alive, s.Connected, s.Queued, s.Published, s.Evicted)
}
