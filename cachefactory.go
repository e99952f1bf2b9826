package treelock

import "sync"

// CacheFactory builds the lock table for a configuration.
type CacheFactory func(cfg Config) (Cache, error)

var (
	cacheRegistry = make(map[ClusterMode]CacheFactory)
	registryLock  sync.RWMutex
)

// RegisterCacheFactory registers the lock table factory for a cluster mode. Backend packages
// call it from init.
func RegisterCacheFactory(mode ClusterMode, f CacheFactory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	cacheRegistry[mode] = f
}

// NewCache builds the lock table registered for cfg.Mode.
func NewCache(cfg Config) (Cache, error) {
	registryLock.RLock()
	f, ok := cacheRegistry[cfg.Mode]
	registryLock.RUnlock()
	if !ok {
		return nil, NewError(InvalidConfiguration, cfg.Mode.String(), "no lock table registered for %v mode", cfg.Mode)
	}
	return f(cfg)
}
