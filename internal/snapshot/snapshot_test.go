package snapshot

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/assistantworks/vigil/internal/statestore"
)

func TestKeyNormalization(t *testing.T) {
	store := NewStore(nil, 10, nil)
	store.Put(" proj-1 ", Snapshot{Fields: map[string]string{"status": "Open"}})

	snap, ok := store.Get("PROJ-1")
	if !ok {
		t.Fatalf("expected normalized lookup to find the snapshot")
	}
	if snap.Fields["status"] != "Open" {
		t.Fatalf("unexpected status %q", snap.Fields["status"])
	}
	if snap.Watermark != DefaultWatermark {
		t.Fatalf("expected default watermark, got %q", snap.Watermark)
	}
}

func TestBoundedEviction(t *testing.T) {
	store := NewStore(nil, 3, nil)
	for i := 0; i < 5; i++ {
		store.Put(fmt.Sprintf("K-%d", i), Snapshot{Fields: map[string]string{"n": fmt.Sprint(i)}})
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", store.Len())
	}
	if _, ok := store.Get("K-0"); ok {
		t.Fatalf("expected oldest key K-0 evicted")
	}
	if _, ok := store.Get("K-4"); !ok {
		t.Fatalf("expected newest key K-4 retained")
	}
}

func TestUpdateDoesNotEvict(t *testing.T) {
	store := NewStore(nil, 2, nil)
	store.Put("A-1", Snapshot{Fields: map[string]string{"status": "Open"}})
	store.Put("B-1", Snapshot{Fields: map[string]string{"status": "Open"}})
	store.Put("A-1", Snapshot{Fields: map[string]string{"status": "Done"}})

	if store.Len() != 2 {
		t.Fatalf("expected update in place, got %d entries", store.Len())
	}
	snap, _ := store.Get("A-1")
	if snap.Fields["status"] != "Done" {
		t.Fatalf("expected updated status, got %q", snap.Fields["status"])
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	backend := statestore.NewFileBackend(path)

	store := NewStore(backend, 10, nil)
	store.Put("PROJ-7", Snapshot{
		Fields:    map[string]string{"status": "Open", "assignee": "None"},
		Watermark: "42",
	})

	reopened := NewStore(backend, 10, nil)
	snap, ok := reopened.Get("PROJ-7")
	if !ok {
		t.Fatalf("expected snapshot to survive reopen")
	}
	if snap.Watermark != "42" {
		t.Fatalf("expected watermark 42, got %q", snap.Watermark)
	}
	if snap.Fields["assignee"] != "None" {
		t.Fatalf("expected assignee sentinel preserved, got %q", snap.Fields["assignee"])
	}
}

func TestDiff(t *testing.T) {
	tracked := []string{"status", "assignee", "priority", "due_date"}
	old := Snapshot{Fields: map[string]string{"status": "Open", "assignee": "None", "priority": "Medium"}}
	current := Snapshot{Fields: map[string]string{"status": "Done", "assignee": "Alice", "priority": "Medium"}}

	changes := Diff(old, current, tracked)
	if len(changes) != 2 {
		t.Fatalf("expected exactly 2 changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].Name != "status" || changes[0].Old != "Open" || changes[0].New != "Done" {
		t.Fatalf("unexpected status change: %+v", changes[0])
	}
	if changes[1].Name != "assignee" || changes[1].Old != "None" || changes[1].New != "Alice" {
		t.Fatalf("unexpected assignee change: %+v", changes[1])
	}

	// Re-running over the same states yields the same diff.
	again := Diff(old, current, tracked)
	if len(again) != len(changes) {
		t.Fatalf("expected idempotent diff, got %d then %d changes", len(changes), len(again))
	}
	for i := range changes {
		if again[i] != changes[i] {
			t.Fatalf("diff not stable at index %d: %+v vs %+v", i, changes[i], again[i])
		}
	}
}

func TestDiffTreatsMissingFieldAsAbsent(t *testing.T) {
	tracked := []string{"due_date"}
	old := Snapshot{Fields: map[string]string{}}
	current := Snapshot{Fields: map[string]string{"due_date": "2026-09-15"}}

	changes := Diff(old, current, tracked)
	if len(changes) != 1 || changes[0].Old != AbsentValue {
		t.Fatalf("expected absent sentinel for missing field, got %+v", changes)
	}
	if len(Diff(old, old, tracked)) != 0 {
		t.Fatalf("expected empty diff for identical states")
	}
}
