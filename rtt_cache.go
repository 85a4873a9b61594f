package streaming

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RTT cache implements the temporal sharing of RFC 2140: when a connection
// closes, its smoothed RTT and RTT variance are remembered per remote
// address, and the next connection to that address starts its RTO estimator
// from them instead of the conservative initial RTO.

// RTTCacheConfig controls how cached estimates are shared.
type RTTCacheConfig struct {
	// RTTDampening scales the cached SRTT applied to a new connection (0.0-1.0).
	RTTDampening float64

	// RTTVarDampening scales the cached RTT variance (0.0-1.0).
	RTTVarDampening float64

	// EntryTTL is how long an entry stays valid after its last update.
	EntryTTL time.Duration

	// Enabled turns sharing on.
	Enabled bool
}

// DefaultRTTCacheConfig returns the default cache configuration.
func DefaultRTTCacheConfig() RTTCacheConfig {
	return RTTCacheConfig{
		RTTDampening:    0.75,
		RTTVarDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

// rttSample seeds a connection's estimator.
type rttSample struct {
	srtt        time.Duration
	rttVariance time.Duration
}

type rttEntry struct {
	srtt        time.Duration
	rttVariance time.Duration
	lastUpdate  time.Time
	sampleCount int
}

// rttCache is safe for concurrent use by the connections of one Endpoint.
type rttCache struct {
	config  RTTCacheConfig
	entries map[string]*rttEntry
	now     func() time.Time
	mu      sync.RWMutex
}

func newRTTCache(config RTTCacheConfig) *rttCache {
	return &rttCache{
		config:  config,
		entries: make(map[string]*rttEntry),
		now:     time.Now,
	}
}

// Get returns the dampened estimate cached for remote, if any.
func (c *rttCache) Get(remote string) (*rttSample, bool) {
	c.mu.RLock()
	enabled := c.config.Enabled
	entry, ok := c.entries[remote]
	var sample rttSample
	var expired bool
	if ok {
		expired = c.now().Sub(entry.lastUpdate) > c.config.EntryTTL
		sample = rttSample{
			srtt:        time.Duration(float64(entry.srtt) * c.config.RTTDampening),
			rttVariance: time.Duration(float64(entry.rttVariance) * c.config.RTTVarDampening),
		}
	}
	c.mu.RUnlock()

	if !enabled || !ok {
		return nil, false
	}
	if expired {
		c.mu.Lock()
		delete(c.entries, remote)
		c.mu.Unlock()
		return nil, false
	}

	log.Debug().
		Str("remote", remote).
		Dur("srtt", sample.srtt).
		Dur("rttvar", sample.rttVariance).
		Msg("RTT cache hit")
	return &sample, true
}

// Put records the estimate of a closing connection. An existing entry is
// blended with equal weight.
func (c *rttCache) Put(remote string, srtt, rttVariance time.Duration) {
	if srtt <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.config.Enabled {
		return
	}

	entry, exists := c.entries[remote]
	if exists {
		const weight = 0.5
		entry.srtt = time.Duration(float64(entry.srtt)*weight + float64(srtt)*(1-weight))
		entry.rttVariance = time.Duration(float64(entry.rttVariance)*weight + float64(rttVariance)*(1-weight))
		entry.lastUpdate = c.now()
		entry.sampleCount++
	} else {
		c.entries[remote] = &rttEntry{
			srtt:        srtt,
			rttVariance: rttVariance,
			lastUpdate:  c.now(),
			sampleCount: 1,
		}
	}

	log.Debug().
		Str("remote", remote).
		Dur("srtt", srtt).
		Dur("rttvar", rttVariance).
		Bool("updated", exists).
		Msg("RTT cache update")
}

// Size returns the number of entries.
func (c *rttCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *rttCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*rttEntry)
}

// CleanupExpired removes entries older than EntryTTL and returns how many.
func (c *rttCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("RTT cache cleanup")
	}
	return removed
}

func (c *rttCache) SetConfig(config RTTCacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
}
