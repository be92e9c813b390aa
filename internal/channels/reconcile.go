package channels

import (
	"sort"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

// Plan is the result of diffing desired channel configs against the live
// connection table. Every config/connection id lands in exactly one bucket.
type Plan struct {
	ToAdd     []string `json:"to_add"`
	ToRemove  []string `json:"to_remove"`
	ToRestart []string `json:"to_restart"`
	Unchanged []string `json:"unchanged"`
}

// Empty reports whether the plan requires no action.
func (p Plan) Empty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0 && len(p.ToRestart) == 0
}

// PlanReconcile computes the actions needed to make the live connection set
// match the enabled config set. Pure function — no side effects — so plans
// can be tested deterministically and shown as a dry run before applying.
//
// Restart detection prefers the config revision counter: a connection built
// from revision N restarts when the config is now at revision > N. When
// revisions are unavailable (both zero) it falls back to comparing
// config.UpdatedAt against the connection's last heartbeat, which can miss a
// restart if an unrelated health check refreshed the heartbeat after the
// edit.
func PlanReconcile(enabled map[string]store.ChannelConfig, active map[string]ConnectionInfo) Plan {
	var plan Plan

	for id, cfg := range enabled {
		conn, ok := active[id]
		if !ok {
			plan.ToAdd = append(plan.ToAdd, id)
			continue
		}
		if needsRestart(cfg, conn) {
			plan.ToRestart = append(plan.ToRestart, id)
		} else {
			plan.Unchanged = append(plan.Unchanged, id)
		}
	}

	for id := range active {
		if _, ok := enabled[id]; !ok {
			plan.ToRemove = append(plan.ToRemove, id)
		}
	}

	sort.Strings(plan.ToAdd)
	sort.Strings(plan.ToRemove)
	sort.Strings(plan.ToRestart)
	sort.Strings(plan.Unchanged)
	return plan
}

func needsRestart(cfg store.ChannelConfig, conn ConnectionInfo) bool {
	if cfg.Revision != 0 || conn.ConfigRevision != 0 {
		return cfg.Revision > conn.ConfigRevision
	}
	return cfg.UpdatedAt.After(conn.LastHeartbeat)
}
