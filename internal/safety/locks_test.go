package safety

import (
	"errors"
	"sync"
	"testing"

	"github.com/opsloop/selfheal/internal/domain"
)

func refs(ids ...string) []domain.ResourceRef {
	out := make([]domain.ResourceRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ResourceRef{ID: id, Type: "instance"})
	}
	return out
}

func TestLockTable_AcquireRelease(t *testing.T) {
	lt := NewLockTable()

	if err := lt.Acquire("inc-1", refs("a", "b")); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if owner, ok := lt.HeldBy("a"); !ok || owner != "inc-1" {
		t.Errorf("HeldBy(a) = %q, %v; want inc-1, true", owner, ok)
	}

	lt.Release("inc-1")
	if _, ok := lt.HeldBy("a"); ok {
		t.Error("lock still held after Release")
	}
}

func TestLockTable_OverlapConflicts(t *testing.T) {
	lt := NewLockTable()

	if err := lt.Acquire("inc-1", refs("a", "b")); err != nil {
		t.Fatalf("Acquire inc-1: %v", err)
	}
	err := lt.Acquire("inc-2", refs("b", "c"))
	if !errors.Is(err, domain.ErrLockConflict) {
		t.Errorf("overlapping Acquire err = %v, want ErrLockConflict", err)
	}
	// All-or-nothing: the non-overlapping resource must not be taken.
	if _, ok := lt.HeldBy("c"); ok {
		t.Error("partial acquisition: c held after conflicting Acquire")
	}
}

func TestLockTable_DisjointSetsCoexist(t *testing.T) {
	lt := NewLockTable()

	if err := lt.Acquire("inc-1", refs("a")); err != nil {
		t.Fatalf("Acquire inc-1: %v", err)
	}
	if err := lt.Acquire("inc-2", refs("b")); err != nil {
		t.Errorf("disjoint Acquire inc-2: %v", err)
	}
}

func TestLockTable_ReacquireSameIncident(t *testing.T) {
	lt := NewLockTable()

	if err := lt.Acquire("inc-1", refs("a")); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lt.Acquire("inc-1", refs("a", "b")); err != nil {
		t.Errorf("re-acquire by same incident: %v", err)
	}
}

func TestLockTable_MutualExclusionUnderConcurrency(t *testing.T) {
	lt := NewLockTable()
	shared := refs("a", "b", "c")

	var wg sync.WaitGroup
	winners := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		id := string(rune('A' + i%26))
		go func(incident string) {
			defer wg.Done()
			if err := lt.Acquire("inc-"+incident, shared); err == nil {
				winners <- incident
			}
		}(id + string(rune('0'+i/26)))
	}
	wg.Wait()
	close(winners)

	// Exactly one incident may win the overlapping set.
	if n := len(winners); n != 1 {
		t.Errorf("%d incidents acquired overlapping resources, want exactly 1", n)
	}
}
