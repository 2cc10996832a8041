package mesh

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadResultCache_NotExists(t *testing.T) {
	c, err := LoadResultCache(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadResultCache() error = %v", err)
	}
	if c != nil {
		t.Errorf("LoadResultCache() = %+v, want nil", c)
	}
}

func TestResultCacheSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	c := NewResultCache()
	st := newState(nil)
	st.FinalTransformation = Translation(1, 2, 3)
	st.Converged = true
	st.Iterations = 4
	c.Record("lab", st, "run-1", 0.01, nil)

	if err := SaveResultCache(path, c); err != nil {
		t.Fatalf("SaveResultCache() error = %v", err)
	}
	loaded, err := LoadResultCache(path)
	if err != nil {
		t.Fatalf("LoadResultCache() error = %v", err)
	}
	got := loaded.Pairs["lab"]
	if !got.Transform.ApproxEqual(Translation(1, 2, 3), epsilon) || got.Iterations != 4 || !got.Converged || got.RunID != "run-1" {
		t.Errorf("loaded entry = %+v", got)
	}
	if loaded.LastUpdated == 0 {
		t.Error("LastUpdated not set on save")
	}
}

func TestResultCacheRecordFailureKeepsTransform(t *testing.T) {
	c := NewResultCache()
	ok := newState(nil)
	ok.FinalTransformation = Translation(5, 0, 0)
	ok.Converged = true
	c.Record("lab", ok, "run-1", 0.02, nil)

	failed := newState(nil)
	c.Record("lab", failed, "run-2", 0, errors.New("boom"))

	got := c.Pairs["lab"]
	if got.Error != "boom" || got.RunID != "run-2" {
		t.Errorf("failure not recorded: %+v", got)
	}
	if !got.Transform.ApproxEqual(Translation(5, 0, 0), epsilon) || !got.Converged {
		t.Errorf("failure replaced earlier transform: %+v", got)
	}
}

func TestResultCacheStatus(t *testing.T) {
	var nilCache *ResultCache
	if s := nilCache.GetStatus([]string{"a"}); len(s.MissingPairs) != 1 {
		t.Errorf("nil cache status = %+v", s)
	}
	if !nilCache.GetTransform("a").ApproxEqual(Identity(), 0) {
		t.Error("nil cache should return identity")
	}

	c := NewResultCache()
	done := newState(nil)
	done.Converged = true
	c.Record("a", done, "r", 0, nil)
	c.Record("b", newState(nil), "r", 0, errors.New("no neighbors"))

	s := c.GetStatus([]string{"a", "b", "c"})
	if len(s.RegisteredPairs) != 1 || s.RegisteredPairs[0] != "a" {
		t.Errorf("RegisteredPairs = %v", s.RegisteredPairs)
	}
	if len(s.MissingPairs) != 2 {
		t.Errorf("MissingPairs = %v", s.MissingPairs)
	}
	if s.Errors["b"] != "no neighbors" {
		t.Errorf("Errors = %v", s.Errors)
	}

	if c.IsStale("a", time.Hour) {
		t.Error("fresh entry reported stale")
	}
	if !c.IsStale("c", time.Hour) {
		t.Error("missing entry should be stale")
	}
}
