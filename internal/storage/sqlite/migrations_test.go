package sqlite

import (
	"context"
	"testing"
)

func TestMigrationsAppliedOnOpen(t *testing.T) {
	st := NewStoreTest(t)

	v, err := st.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("version = %d, want %d", v, len(migrations))
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	st := NewStoreTest(t)

	if err := RunMigrations(st.db); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}
	v, _ := st.SchemaVersion()
	if v != len(migrations) {
		t.Fatalf("version after rerun = %d, want %d", v, len(migrations))
	}
}

func TestRollbackAndReapply(t *testing.T) {
	st := NewStoreTest(t)

	if err := st.RollbackTo(3); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	v, _ := st.SchemaVersion()
	if v != 3 {
		t.Fatalf("version after rollback = %d, want 3", v)
	}

	if err := RunMigrations(st.db); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	v, _ = st.SchemaVersion()
	if v != len(migrations) {
		t.Fatalf("version after reapply = %d, want %d", v, len(migrations))
	}

	// The store works end to end on the reapplied schema.
	registerTestAgent(t, st, "proj", "alice")
	agents, err := st.ListAgents(context.Background(), "proj")
	if err != nil || len(agents) != 1 {
		t.Fatalf("store broken after rollback cycle: %v, %d agents", err, len(agents))
	}
}

func TestMigrationVersionsAreSequential(t *testing.T) {
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Fatalf("migration %d has version %d", i, m.Version)
		}
		if m.Description == "" || m.Up == "" || m.Down == "" {
			t.Fatalf("migration %d incomplete", m.Version)
		}
	}
}
