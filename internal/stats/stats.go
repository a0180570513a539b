// Package stats assembles pool- and worker-level snapshots for the
// HTTP stats surface from the worker manager and durable storage.
package stats

import (
	"context"
	"time"

	"github.com/orebit/stratum/internal/storage"
	"github.com/orebit/stratum/internal/worker"
)

// PoolStats is the pool-wide snapshot returned by PoolSnapshot.
type PoolStats struct {
	Hashrate        float64 `json:"hashrate"`
	TotalShares     int64   `json:"total_shares"`
	ValidShares     int64   `json:"valid_shares"`
	InvalidShares   int64   `json:"invalid_shares"`
	StaleShares     int64   `json:"stale_shares"`
	BlocksFound     int64   `json:"blocks_found"`
	ConnectedMiners int     `json:"connected_miners"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
}

// ShareCounts is the per-worker breakdown embedded in WorkerStats.
type ShareCounts struct {
	Valid   int64 `json:"valid"`
	Invalid int64 `json:"invalid"`
	Stale   int64 `json:"stale"`
}

// WorkerStats is a single worker's snapshot, keyed by worker name in
// the map WorkerSnapshot returns.
type WorkerStats struct {
	Shares         ShareCounts `json:"shares"`
	Hashrate       float64     `json:"hashrate"`
	LastShareTime  time.Time   `json:"last_share_time"`
	ConnectionTime time.Time   `json:"connection_time"`
}

// Reporter assembles pool and worker statistics from live in-memory
// worker state and durable storage.
type Reporter struct {
	workerManager *worker.Manager
	postgres      *storage.PostgresClient
	startedAt     time.Time
}

// NewReporter creates a stats reporter. startedAt anchors uptime
// reporting and should be the time the server began accepting
// connections.
func NewReporter(wm *worker.Manager, pg *storage.PostgresClient, startedAt time.Time) *Reporter {
	return &Reporter{
		workerManager: wm,
		postgres:      pg,
		startedAt:     startedAt,
	}
}

// PoolSnapshot sums the share counts of every worker known to the
// process, connected or not, and the hashrate of the connected ones,
// plus the confirmed block count from durable storage.
func (r *Reporter) PoolSnapshot(ctx context.Context) (*PoolStats, error) {
	workers := r.workerManager.GetAllWorkers()

	stats := &PoolStats{
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
	}

	for _, w := range workers {
		valid, invalid, stale, hashrate := r.workerManager.GetWorkerStats(w.Name)
		stats.ValidShares += valid
		stats.InvalidShares += invalid
		stats.StaleShares += stale
		if w.Active {
			stats.ConnectedMiners++
			stats.Hashrate += hashrate
		}
	}
	stats.TotalShares = stats.ValidShares + stats.InvalidShares + stats.StaleShares

	_, confirmedBlocks, err := r.postgres.GetPoolStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.BlocksFound = confirmedBlocks

	return stats, nil
}

// WorkerSnapshot returns a snapshot for every worker known to the
// process, connected or not, keyed by worker name.
func (r *Reporter) WorkerSnapshot() map[string]WorkerStats {
	workers := r.workerManager.GetAllWorkers()
	result := make(map[string]WorkerStats, len(workers))

	for _, w := range workers {
		valid, invalid, stale, hashrate := r.workerManager.GetWorkerStats(w.Name)
		result[w.Name] = WorkerStats{
			Shares: ShareCounts{
				Valid:   valid,
				Invalid: invalid,
				Stale:   stale,
			},
			Hashrate:       hashrate,
			LastShareTime:  w.LastShareTime,
			ConnectionTime: w.ConnectedAt,
		}
	}

	return result
}
