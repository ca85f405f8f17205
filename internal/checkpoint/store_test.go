package checkpoint

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger())
	if n := store.Load(); n != 0 {
		t.Errorf("Load() on missing file = %d, want 0", n)
	}
	if store.Contains(1) {
		t.Error("empty store must not contain any index")
	}
}

func TestMarkCompleteAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewStore(path, testLogger())

	for _, idx := range []int{3, 1, 7} {
		if err := store.MarkComplete(idx); err != nil {
			t.Fatalf("MarkComplete(%d) failed: %v", idx, err)
		}
	}

	reloaded := NewStore(path, testLogger())
	if n := reloaded.Load(); n != 3 {
		t.Fatalf("Load() = %d, want 3", n)
	}
	for _, idx := range []int{1, 3, 7} {
		if !reloaded.Contains(idx) {
			t.Errorf("reloaded store missing index %d", idx)
		}
	}
	if reloaded.Contains(2) {
		t.Error("reloaded store contains index 2 that was never completed")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("not json{{"), 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, testLogger())
	if n := store.Load(); n != 0 {
		t.Errorf("Load() on corrupt file = %d, want 0", n)
	}
}

func TestLoadUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	data, _ := json.Marshal(fileCheckpoint{Version: 99, Completed: []int{1, 2}})
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, testLogger())
	if n := store.Load(); n != 0 {
		t.Errorf("Load() on unknown version = %d, want 0", n)
	}
}

func TestSavedFileIsSortedAndVersioned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewStore(path, testLogger())
	store.Add(5)
	store.Add(2)
	store.Add(9)
	if err := store.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cp fileCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("saved file is not valid JSON: %v", err)
	}
	if cp.Version != FormatVersion {
		t.Errorf("Version = %d, want %d", cp.Version, FormatVersion)
	}
	want := []int{2, 5, 9}
	if len(cp.Completed) != len(want) {
		t.Fatalf("Completed = %v, want %v", cp.Completed, want)
	}
	for i, idx := range want {
		if cp.Completed[i] != idx {
			t.Errorf("Completed[%d] = %d, want %d", i, cp.Completed[i], idx)
		}
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewStore(path, testLogger())
	if err := store.MarkComplete(4); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if store.Contains(4) {
		t.Error("Clear must reset the in-memory set")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Clear must remove the checkpoint file")
	}

	// Clearing an absent checkpoint is not an error.
	if err := store.Clear(); err != nil {
		t.Errorf("Clear on missing file failed: %v", err)
	}
}

func TestHighestAndCount(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "checkpoint.json"), testLogger())
	if store.Highest() != 0 || store.Count() != 0 {
		t.Error("empty store must report Highest=0, Count=0")
	}
	store.Add(12)
	store.Add(3)
	if got := store.Highest(); got != 12 {
		t.Errorf("Highest() = %d, want 12", got)
	}
	if got := store.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestConcurrentMarkComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewStore(path, testLogger())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := store.MarkComplete(idx); err != nil {
				t.Errorf("MarkComplete(%d) failed: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	reloaded := NewStore(path, testLogger())
	if n := reloaded.Load(); n != 50 {
		t.Errorf("Load() after concurrent saves = %d, want 50", n)
	}
}
