package revalidate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "revalidate.db")
	rulesPath := filepath.Join(t.TempDir(), "revalidate.conf")
	t0 := time.Unix(1_700_000_000, 0)

	state, err := OpenSQLiteState(dbPath)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	writeRules(t, rulesPath, "path1 1700000000\npath2 1700000010\n")
	coord := NewCoordinator(NewIndex(), Options{Path: rulesPath, State: state, Now: func() time.Time { return t0.Add(time.Minute) }})
	if _, err := coord.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := state.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// 重启后规则文件把 path1 改成更晚的时间，首次写入仍然生效
	state, err = OpenSQLiteState(dbPath)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	defer state.Close()
	writeRules(t, rulesPath, "path1 1700000500\npath3 1700000020\n")
	coord = NewCoordinator(NewIndex(), Options{Path: rulesPath, State: state, Now: func() time.Time { return t0.Add(time.Hour) }})

	restored, err := coord.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 2 {
		t.Fatalf("expected 2 restored rules, got %d", restored)
	}
	result, err := coord.Reload(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if result.Inserted != 1 || result.Total != 3 {
		t.Fatalf("unexpected result %+v", result)
	}

	rule, ok := coord.Index().Get("path1")
	if !ok || !rule.ForceStaleAsOf.Equal(t0) {
		t.Fatalf("path1 should keep its first timestamp, got %+v", rule)
	}

	persisted, err := state.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(persisted) != 3 || persisted[0].Pattern != "path1" || persisted[2].Pattern != "path3" {
		t.Fatalf("unexpected persisted order: %d rules", len(persisted))
	}
}
