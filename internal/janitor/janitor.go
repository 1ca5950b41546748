// Package janitor implements the stale-node sweep: a periodic activity
// that evicts offline nodes past their TTL and active nodes whose
// heartbeat has lapsed, with a TOCTOU-safe collect-then-revalidate
// discipline against concurrent re-registration.
package janitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/csells/hyper-pi/internal/bus"
	"github.com/csells/hyper-pi/internal/registry"
	"github.com/csells/hyper-pi/internal/telemetry"
	"github.com/rs/zerolog"
)

// Janitor periodically sweeps a Table for stale entries.
type Janitor struct {
	table    *registry.Table
	bus      *bus.Bus
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	onExpire func() // test hook, invoked once per removal
}

// New constructs a Janitor. interval is the sweep period (15s suggested);
// ttl is the base staleness threshold offline entries are measured
// against, with active entries measured against 3*ttl. metrics may be nil.
func New(table *registry.Table, b *bus.Bus, ttl, interval time.Duration, logger zerolog.Logger, metrics *telemetry.Metrics) *Janitor {
	return &Janitor{
		table:    table,
		bus:      b,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("component", "janitor").Logger(),
		metrics:  metrics,
	}
}

// Run sweeps on a fixed period until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep performs exactly one pass: collect staleness candidates from a read
// snapshot, then re-validate and remove each under the table's write lock
// via RemoveIf, so a node that re-registers between the two phases
// survives. node_removed is published per removal only after the lock is
// released.
func (j *Janitor) Sweep() {
	now := j.table.Now()
	candidates := j.table.Snapshot()

	for _, n := range candidates {
		if !stale(n, j.ttl, now) {
			continue
		}

		removed := j.table.RemoveIf(n.ID, func(current registry.NodeInfo) bool {
			return stale(current, j.ttl, j.table.Now())
		})
		if !removed {
			continue
		}

		j.logger.Info().Str("node_id", n.ID).Msg("node expired by janitor")
		payload, _ := json.Marshal(map[string]any{"event": "node_removed", "id": n.ID})
		j.bus.Publish(string(payload))
		if j.metrics != nil {
			j.metrics.NodesExpired.Inc()
			j.metrics.NodesRegistered.Set(float64(j.table.Count()))
		}
		if j.onExpire != nil {
			j.onExpire()
		}
	}
}

// stale applies the staleness predicate from SPEC_FULL.md §4.7: an offline
// entry past ttl since going offline, or an active entry with a last_seen
// timestamp more than 3*ttl old. Active entries without last_seen are
// never stale.
func stale(n registry.NodeInfo, ttl time.Duration, now time.Time) bool {
	switch n.Status {
	case registry.StatusOffline:
		if n.OfflineSince == nil {
			return false
		}
		return now.Sub(time.Unix(*n.OfflineSince, 0)) > ttl
	case registry.StatusActive:
		if n.LastSeen == nil {
			return false
		}
		return now.Sub(time.Unix(*n.LastSeen, 0)) > 3*ttl
	default:
		return false
	}
}
