package streaming

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeAllowlist accepts only listed peers
	AccessListModeAllowlist
	// AccessListModeDenylist rejects listed peers
	AccessListModeDenylist
)

// AccessListConfig configures address based filtering of incoming
// connections.
type AccessListConfig struct {
	Mode AccessListMode

	// Entries are IP addresses ("192.0.2.7") or prefixes ("10.0.0.0/8").
	Entries []string

	// DisableRejectLogging silences the warning logged per rejected SYN.
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default, disabled configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{Mode: AccessListModeDisabled}
}

type accessFilter struct {
	config   *AccessListConfig
	prefixes []netip.Prefix
	mu       sync.RWMutex
}

// newAccessFilter parses config. Invalid entries are all reported together.
func newAccessFilter(config *AccessListConfig) (*accessFilter, error) {
	af := &accessFilter{}
	if err := af.SetConfig(config); err != nil {
		return nil, err
	}
	return af, nil
}

// SetConfig replaces the filter. nil disables it.
func (af *accessFilter) SetConfig(config *AccessListConfig) error {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	prefixes, err := parsePrefixes(config.Entries)
	if err != nil {
		return err
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	af.config = config
	af.prefixes = prefixes
	return nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var errs error
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("access list entry %q: %w", entry, err))
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("access list entry %q: %w", entry, err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errs
}

// IsAllowed reports whether a SYN from addr may open a connection. Addresses
// that carry no IP are allowed.
func (af *accessFilter) IsAllowed(addr net.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}
	ip, ok := addrIP(addr)
	if !ok {
		return true
	}

	inList := false
	for _, p := range af.prefixes {
		if p.Contains(ip) {
			inList = true
			break
		}
	}
	switch af.config.Mode {
	case AccessListModeAllowlist:
		return inList
	case AccessListModeDenylist:
		return !inList
	default:
		return true
	}
}

// CheckAndLog returns an AccessDeniedError for a rejected peer.
func (af *accessFilter) CheckAndLog(addr net.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "address in denylist"
	if config.Mode == AccessListModeAllowlist {
		reason = "address not in allowlist"
	}
	if !config.DisableRejectLogging {
		log.Warn().Stringer("remote", addr).Str("reason", reason).Msg("incoming connection rejected by access list")
	}
	return &AccessDeniedError{Reason: reason}
}

// AccessDeniedError is returned when a peer is rejected by the access list.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Reason
}

func addrIP(addr net.Addr) (netip.Addr, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		return ip.Unmap(), ok
	case nil:
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}
