package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type counter struct {
	ID    string
	Count int
	Tags  []string
}

func cloneCounter(c *counter) *counter {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	return &cp
}

func TestRegistry_GetReturnsCopies(t *testing.T) {
	r := New(cloneCounter)
	r.Put("a", &counter{ID: "a", Tags: []string{"x"}})

	got, ok := r.Get("a")
	if !ok {
		t.Fatal("Expected key to exist")
	}
	got.Count = 42
	got.Tags[0] = "mutated"

	again, _ := r.Get("a")
	if again.Count != 0 || again.Tags[0] != "x" {
		t.Errorf("Stored value was mutated through a copy: %+v", again)
	}
}

func TestRegistry_PutIfAbsent(t *testing.T) {
	r := New(cloneCounter)
	if !r.PutIfAbsent("a", &counter{ID: "a", Count: 1}) {
		t.Fatal("Expected first insert to succeed")
	}
	if r.PutIfAbsent("a", &counter{ID: "a", Count: 2}) {
		t.Fatal("Expected second insert to be refused")
	}
	got, _ := r.Get("a")
	if got.Count != 1 {
		t.Errorf("Expected count 1, got %d", got.Count)
	}
}

func TestRegistry_UpdateAndDelete(t *testing.T) {
	r := New(cloneCounter)

	if _, err := r.Update("missing", func(*counter) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	r.Put("a", &counter{ID: "a"})
	updated, err := r.Update("a", func(c *counter) error {
		c.Count++
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Count != 1 {
		t.Errorf("Expected count 1, got %d", updated.Count)
	}

	if !r.Delete("a") {
		t.Fatal("Expected delete to report existing key")
	}
	if r.Delete("a") {
		t.Fatal("Expected second delete to report missing key")
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("Expected key to be gone")
	}
}

func TestRegistry_SnapshotOrder(t *testing.T) {
	r := New(cloneCounter)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("k-%02d", i)
		r.Put(id, &counter{ID: id})
	}
	r.Delete("k-10")

	snap := r.Snapshot()
	if len(snap) != 49 {
		t.Fatalf("Expected 49 values, got %d", len(snap))
	}
	prev := ""
	for _, c := range snap {
		if c.ID == "k-10" {
			t.Fatal("Deleted key present in snapshot")
		}
		if prev != "" && c.ID < prev {
			t.Fatalf("Snapshot not in insertion order: %s after %s", c.ID, prev)
		}
		prev = c.ID
	}
	if r.Len() != 49 {
		t.Errorf("Expected Len 49, got %d", r.Len())
	}
}

// TestRegistry_ConcurrentUpdates checks that per-key locking serializes
// read-modify-write cycles.
func TestRegistry_ConcurrentUpdates(t *testing.T) {
	r := New(cloneCounter)
	r.Put("hot", &counter{ID: "hot"})

	const numGoroutines = 100
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Update("hot", func(c *counter) error {
				c.Count++
				c.Tags = append(c.Tags, fmt.Sprint(i))
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
			r.Snapshot()
		}(i)
	}
	wg.Wait()

	got, _ := r.Get("hot")
	if got.Count != numGoroutines {
		t.Errorf("Expected count %d, got %d", numGoroutines, got.Count)
	}
	if len(got.Tags) != numGoroutines {
		t.Errorf("Expected %d tags, got %d", numGoroutines, len(got.Tags))
	}
}
