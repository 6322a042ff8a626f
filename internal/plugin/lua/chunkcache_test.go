package lua

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChunkCacheLoad(t *testing.T) {
	dir := writePlugin(t, map[string]string{"a.lua": `return 1`})
	cache, err := NewChunkCache(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "a.lua")

	first, err := cache.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := cache.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second Load() should return the cached chunk")
	}
	if hits, misses := cache.Stats(); hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d hits, %d misses", hits, misses)
	}
}

func TestChunkCachePurge(t *testing.T) {
	dir := writePlugin(t, map[string]string{
		"plugin/a.lua":     `return 1`,
		"plugin/lib/b.lua": `return 2`,
		"pluginx/c.lua":    `return 3`,
	})
	cache, err := NewChunkCache(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"plugin/a.lua", "plugin/lib/b.lua", "pluginx/c.lua"} {
		if _, err := cache.Load(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			t.Fatal(err)
		}
	}

	if n := cache.Purge(filepath.Join(dir, "plugin")); n != 2 {
		t.Errorf("Purge() = %d, want 2", n)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
}

func TestChunkCacheErrors(t *testing.T) {
	dir := writePlugin(t, map[string]string{
		"bad.lua": `local = 1`,
		"big.lua": strings.Repeat("-- padding\n", 100),
	})
	cache, err := NewChunkCache(0, 64)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Load(filepath.Join(dir, "bad.lua")); err == nil {
		t.Error("Load() of a syntax error should fail")
	}
	if _, err := cache.Load(filepath.Join(dir, "big.lua")); err == nil {
		t.Error("Load() of an oversized source should fail")
	}
	if _, err := cache.Load(filepath.Join(dir, "missing.lua")); !os.IsNotExist(err) {
		t.Errorf("Load() of a missing file error = %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("failed loads were cached: Len() = %d", cache.Len())
	}
}
