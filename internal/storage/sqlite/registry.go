package sqlite

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRegistrySize = 16

// Registry caches open stores by database path so concurrent callers
// inside one process share a single connection per database. Eviction
// closes the store; the LRU bound keeps long-lived multi-project
// processes from accumulating idle connections.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *registryEntry]
}

type registryEntry struct {
	once  sync.Once
	store *Store
	err   error
}

// NewRegistry creates a registry holding at most size open stores.
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = defaultRegistrySize
	}
	cache, err := lru.NewWithEvict(size, func(path string, e *registryEntry) {
		if e.store == nil {
			return
		}
		if err := e.store.Close(); err != nil {
			log.Printf("registry: close %s: %v", path, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("new registry: %w", err)
	}
	return &Registry{cache: cache}, nil
}

// Open returns the shared store for path, opening it on first use. The
// sync.Once per entry means concurrent first callers block on a single
// open instead of racing to create connections.
func (r *Registry) Open(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	r.mu.Lock()
	entry, ok := r.cache.Get(abs)
	if !ok {
		entry = &registryEntry{}
		r.cache.Add(abs, entry)
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.store, entry.err = New(abs)
	})
	if entry.err != nil {
		// Drop the failed entry so a later call can retry the open.
		r.mu.Lock()
		if cur, ok := r.cache.Peek(abs); ok && cur == entry {
			r.cache.Remove(abs)
		}
		r.mu.Unlock()
		return nil, entry.err
	}
	return entry.store, nil
}

// Close closes every cached store and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

// ResolveDBPath picks the database location for a project directory:
// .concourse/concourse.db under the project when its parent is writable,
// else a per-project file under the user config dir.
func ResolveDBPath(projectDir string) (string, error) {
	if projectDir == "" {
		var err error
		projectDir, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve project dir: %w", err)
		}
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	local := filepath.Join(abs, ".concourse")
	if dirWritable(abs) {
		return filepath.Join(local, "concourse.db"), nil
	}
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	// Flatten the project path into a stable file name.
	name := filepath.ToSlash(abs)
	safe := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':':
			safe = append(safe, '_')
		default:
			safe = append(safe, r)
		}
	}
	return filepath.Join(cfg, "concourse", string(safe)+".db"), nil
}

func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".concourse-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
