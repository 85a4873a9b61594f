package streaming

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction specifies how an Endpoint answers a SYN that exceeds its limits.
type LimitAction int

const (
	// LimitActionReset answers with RST (default)
	LimitActionReset LimitAction = iota
	// LimitActionDrop ignores the SYN
	LimitActionDrop
)

// ConnectionLimitsConfig configures admission of incoming connections.
// Limit values of 0 mean disabled.
type ConnectionLimitsConfig struct {
	// MaxConcurrentConns limits incoming and outgoing connections combined.
	// 0 or negative means unlimited.
	MaxConcurrentConns int

	// Per-peer incoming connection limits
	MaxConnsPerMinute int
	MaxConnsPerHour   int

	// Incoming connection limits across all peers
	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int

	LimitAction LimitAction

	// DisableRejectLogging silences the warning logged per rejected SYN.
	DisableRejectLogging bool
}

// DefaultConnectionLimitsConfig returns the default, unlimited configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxConcurrentConns: -1,
		LimitAction:        LimitActionReset,
	}
}

// connectionLimiter tracks live connections and recent incoming connection
// timestamps per remote address.
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex
	now    func() time.Time

	activeConns int

	// remote address -> accepted connection timestamps
	peerHistory  map[string]*connectionHistory
	totalHistory *connectionHistory
}

type connectionHistory struct {
	timestamps []time.Time
}

func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		now:          time.Now,
		peerHistory:  make(map[string]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// SetConfig replaces the limits. nil restores the defaults.
func (cl *connectionLimiter) SetConfig(config *ConnectionLimitsConfig) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	cl.config = config
}

// GetConfig returns a copy of the current configuration.
func (cl *connectionLimiter) GetConfig() ConnectionLimitsConfig {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return *cl.config
}

// ActiveConns returns the number of live connections.
func (cl *connectionLimiter) ActiveConns() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.activeConns
}

// CheckAndRecordConnection admits an incoming connection from remote or
// returns an error naming the exceeded limit.
func (cl *connectionLimiter) CheckAndRecordConnection(remote string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if err := cl.checkConcurrentLimitLocked(); err != nil {
		return err
	}
	if err := cl.checkRateLimitsLocked(cl.totalHistory, now, cl.config.MaxTotalConnsPerMinute, cl.config.MaxTotalConnsPerHour, "total"); err != nil {
		return err
	}
	if cl.config.MaxConnsPerMinute > 0 || cl.config.MaxConnsPerHour > 0 {
		history := cl.getOrCreatePeerHistoryLocked(remote)
		if err := cl.checkRateLimitsLocked(history, now, cl.config.MaxConnsPerMinute, cl.config.MaxConnsPerHour, "peer"); err != nil {
			return err
		}
		history.timestamps = append(history.timestamps, now)
	}

	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	cl.activeConns++
	log.Debug().Str("remote", remote).Int("activeConns", cl.activeConns).Msg("incoming connection admitted")
	return nil
}

// CheckOutgoing reserves a slot for an outgoing connection.
func (cl *connectionLimiter) CheckOutgoing() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err := cl.checkConcurrentLimitLocked(); err != nil {
		return err
	}
	cl.activeConns++
	return nil
}

func (cl *connectionLimiter) checkConcurrentLimitLocked() error {
	if cl.config.MaxConcurrentConns > 0 && cl.activeConns >= cl.config.MaxConcurrentConns {
		return fmt.Errorf("max concurrent connections limit exceeded (%d)", cl.config.MaxConcurrentConns)
	}
	return nil
}

func (cl *connectionLimiter) checkRateLimitsLocked(h *connectionHistory, now time.Time, perMinute, perHour int, scope string) error {
	h.pruneOldEntries(now)
	if perMinute > 0 && h.countSince(now.Add(-time.Minute)) >= perMinute {
		return fmt.Errorf("%s connections per minute limit exceeded (%d)", scope, perMinute)
	}
	if perHour > 0 && h.countSince(now.Add(-time.Hour)) >= perHour {
		return fmt.Errorf("%s connections per hour limit exceeded (%d)", scope, perHour)
	}
	return nil
}

// ConnectionClosed releases the slot of a closed connection.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeConns > 0 {
		cl.activeConns--
	}
}

func (cl *connectionLimiter) getOrCreatePeerHistoryLocked(remote string) *connectionHistory {
	if history, exists := cl.peerHistory[remote]; exists {
		return history
	}
	history := &connectionHistory{}
	cl.peerHistory[remote] = history
	return history
}

// pruneOldEntries drops timestamps older than the longest window.
func (h *connectionHistory) pruneOldEntries(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

func (h *connectionHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

// logLimitExceeded warns about a rejected SYN unless disabled.
func (cl *connectionLimiter) logLimitExceeded(remote string, err error) {
	cl.mu.Lock()
	disabled := cl.config.DisableRejectLogging
	cl.mu.Unlock()
	if disabled {
		return
	}
	log.Warn().Str("remote", remote).Err(err).Msg("incoming connection rejected by limits")
}

// CleanupStaleHistory forgets peers without a connection in the last hour.
func (cl *connectionLimiter) CleanupStaleHistory() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	removed := 0
	for remote, history := range cl.peerHistory {
		history.pruneOldEntries(now)
		if len(history.timestamps) == 0 {
			delete(cl.peerHistory, remote)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(cl.peerHistory)).Msg("stale connection history removed")
	}
	return removed
}
