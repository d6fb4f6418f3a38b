// Package cache provides caching for rendered overlays and resolved vectors.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	VectorCacheSize    int
}

// Manager manages overlay and vector caches.
type Manager struct {
	overlayCache *bigcache.BigCache
	vectorCache  *lru.Cache[string, CachedVector]
}

// CachedVector is a resolved vector together with its display label.
type CachedVector struct {
	Values anndata.Vector
	Label  string
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}
	if cfg.VectorCacheSize <= 0 {
		cfg.VectorCacheSize = 1024
	}

	overlayCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 256,
		MaxEntrySize:       64 * 1024, // initial sizing only; larger PNGs still fit
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	vectorCache, err := lru.New[string, CachedVector](cfg.VectorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector cache: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		vectorCache:  vectorCache,
	}, nil
}

// GetOverlay retrieves a rendered overlay from cache.
func (m *Manager) GetOverlay(key string) ([]byte, bool) {
	data, err := m.overlayCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetOverlay stores a rendered overlay in cache.
func (m *Manager) SetOverlay(key string, data []byte) error {
	return m.overlayCache.Set(key, data)
}

// GetVector retrieves a resolved vector from cache.
func (m *Manager) GetVector(key string) (CachedVector, bool) {
	return m.vectorCache.Get(key)
}

// SetVector stores a resolved vector in cache.
func (m *Manager) SetVector(key string, v CachedVector) {
	m.vectorCache.Add(key, v)
}

// PurgeVectors drops every cached vector whose key starts with prefix and
// returns how many were removed.
func (m *Manager) PurgeVectors(prefix string) int {
	n := 0
	for _, k := range m.vectorCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			if m.vectorCache.Remove(k) {
				n++
			}
		}
	}
	return n
}

// VectorKey generates a cache key for a vector lookup. scope identifies the
// session the vector was resolved for; the remaining parts describe the
// lookup. Every component is length-prefixed, so parts containing ':' can
// not collide, and VectorKey(scope) is a prefix of exactly that scope's keys.
func VectorKey(scope string, parts ...string) string {
	var b strings.Builder
	b.WriteString("vec:")
	writeField(&b, scope)
	for _, p := range parts {
		writeField(&b, p)
	}
	return b.String()
}

// OverlayKey generates a cache key for a rendered overlay. source identifies
// the vector the overlay is coloured by (typically a VectorKey) and opts the
// render settings.
func OverlayKey(scope, source string, opts map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("overlay:")
	writeField(&b, scope)
	writeField(&b, source)
	base := b.String()
	if len(opts) == 0 {
		return base
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Hash render options for cache key
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%d:%s=%v;", len(k), k, opts[k])
	}
	return base + "#" + hex.EncodeToString(h.Sum(nil))[:16]
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	st := m.overlayCache.Stats()
	return map[string]interface{}{
		"overlay_cache_len":    m.overlayCache.Len(),
		"overlay_cache_cap":    m.overlayCache.Capacity(),
		"overlay_cache_hits":   st.Hits,
		"overlay_cache_misses": st.Misses,
		"vector_cache_len":     m.vectorCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.overlayCache.Close()
}
