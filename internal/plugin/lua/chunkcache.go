package lua

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultChunkCacheSize is the number of compiled chunks kept by default.
const DefaultChunkCacheSize = 256

// ChunkCache holds compiled Lua chunks keyed by absolute source path. A
// compiled proto is immutable and can be instantiated in any number of
// states, so one cache may serve every runtime in a process.
type ChunkCache struct {
	protos *lru.Cache
	maxSrc int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewChunkCache creates a cache holding up to size chunks. Sources larger
// than maxSource bytes are refused; zero means no limit.
func NewChunkCache(size int, maxSource int64) (*ChunkCache, error) {
	if size <= 0 {
		size = DefaultChunkCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ChunkCache{protos: c, maxSrc: maxSource}, nil
}

// Load returns the compiled chunk for path, compiling it on a miss.
func (c *ChunkCache) Load(path string) (*lua.FunctionProto, error) {
	if v, ok := c.protos.Get(path); ok {
		c.hits.Add(1)
		return v.(*lua.FunctionProto), nil
	}
	c.misses.Add(1)

	proto, err := c.compile(path)
	if err != nil {
		return nil, err
	}
	c.protos.Add(path, proto)
	return proto, nil
}

func (c *ChunkCache) compile(path string) (*lua.FunctionProto, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if c.maxSrc > 0 && info.Size() > c.maxSrc {
		return nil, fmt.Errorf("%s: source is %d bytes, limit %d", filepath.Base(path), info.Size(), c.maxSrc)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// Purge evicts every chunk whose path lies under dir and returns how many
// were removed.
func (c *ChunkCache) Purge(dir string) int {
	dir = filepath.Clean(dir)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		dir = real
	}
	prefix := dir + string(filepath.Separator)
	n := 0
	for _, k := range c.protos.Keys() {
		path, ok := k.(string)
		if !ok {
			continue
		}
		if path == dir || strings.HasPrefix(path, prefix) {
			if c.protos.Remove(path) {
				n++
			}
		}
	}
	return n
}

// Len returns the number of cached chunks.
func (c *ChunkCache) Len() int {
	return c.protos.Len()
}

// Stats returns the hit and miss counters.
func (c *ChunkCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
