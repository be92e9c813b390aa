package channels

import (
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

func TestPlanReconcileBuckets(t *testing.T) {
	now := time.Now()
	enabled := map[string]store.ChannelConfig{
		"keep":    {ID: "keep", Revision: 1},
		"new":     {ID: "new", Revision: 1},
		"changed": {ID: "changed", Revision: 3},
	}
	active := map[string]ConnectionInfo{
		"keep":    {ConfigID: "keep", ConfigRevision: 1, LastHeartbeat: now},
		"changed": {ConfigID: "changed", ConfigRevision: 2, LastHeartbeat: now},
		"gone":    {ConfigID: "gone", ConfigRevision: 1, LastHeartbeat: now},
	}

	plan := PlanReconcile(enabled, active)

	if !reflect.DeepEqual(plan.ToAdd, []string{"new"}) {
		t.Errorf("ToAdd = %v", plan.ToAdd)
	}
	if !reflect.DeepEqual(plan.ToRemove, []string{"gone"}) {
		t.Errorf("ToRemove = %v", plan.ToRemove)
	}
	if !reflect.DeepEqual(plan.ToRestart, []string{"changed"}) {
		t.Errorf("ToRestart = %v", plan.ToRestart)
	}
	if !reflect.DeepEqual(plan.Unchanged, []string{"keep"}) {
		t.Errorf("Unchanged = %v", plan.Unchanged)
	}
}

// Every id must land in exactly one bucket.
func TestPlanReconcilePartition(t *testing.T) {
	now := time.Now()
	enabled := map[string]store.ChannelConfig{
		"a": {ID: "a", Revision: 1},
		"b": {ID: "b", Revision: 2},
		"c": {ID: "c", Revision: 1},
	}
	active := map[string]ConnectionInfo{
		"b": {ConfigID: "b", ConfigRevision: 1, LastHeartbeat: now},
		"c": {ConfigID: "c", ConfigRevision: 1, LastHeartbeat: now},
		"d": {ConfigID: "d", ConfigRevision: 1, LastHeartbeat: now},
	}

	plan := PlanReconcile(enabled, active)

	seen := make(map[string]int)
	for _, bucket := range [][]string{plan.ToAdd, plan.ToRemove, plan.ToRestart, plan.Unchanged} {
		for _, id := range bucket {
			seen[id]++
		}
	}
	for id := range enabled {
		if seen[id] != 1 {
			t.Errorf("enabled id %q appears %d times", id, seen[id])
		}
	}
	for id := range active {
		if seen[id] != 1 {
			t.Errorf("active id %q appears %d times", id, seen[id])
		}
	}
}

func TestPlanReconcileEmpty(t *testing.T) {
	plan := PlanReconcile(nil, nil)
	if !plan.Empty() {
		t.Fatalf("empty inputs produced plan %+v", plan)
	}

	now := time.Now()
	plan = PlanReconcile(
		map[string]store.ChannelConfig{"a": {ID: "a", Revision: 1}},
		map[string]ConnectionInfo{"a": {ConfigID: "a", ConfigRevision: 1, LastHeartbeat: now}},
	)
	if !plan.Empty() {
		t.Fatalf("steady state produced plan %+v", plan)
	}
	if len(plan.Unchanged) != 1 {
		t.Fatalf("Unchanged = %v", plan.Unchanged)
	}
}

func TestNeedsRestartFallsBackToTimestamps(t *testing.T) {
	base := time.Now()

	// No revisions: updated-after-heartbeat wins.
	cfg := store.ChannelConfig{ID: "a", UpdatedAt: base.Add(time.Minute)}
	conn := ConnectionInfo{ConfigID: "a", LastHeartbeat: base}
	if !needsRestart(cfg, conn) {
		t.Error("stale connection with newer config not restarted")
	}

	cfg.UpdatedAt = base.Add(-time.Minute)
	if needsRestart(cfg, conn) {
		t.Error("fresh connection restarted on older config")
	}

	// Revisions present: timestamps ignored entirely.
	cfg = store.ChannelConfig{ID: "a", Revision: 2, UpdatedAt: base.Add(-time.Hour)}
	conn = ConnectionInfo{ConfigID: "a", ConfigRevision: 1, LastHeartbeat: base}
	if !needsRestart(cfg, conn) {
		t.Error("revision bump not detected")
	}
	conn.ConfigRevision = 2
	if needsRestart(cfg, conn) {
		t.Error("equal revisions restarted")
	}
}
