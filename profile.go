package streaming

import "fmt"

// Profile is a traffic pattern hint that tunes a Config.
type Profile int

const (
	// ProfileBulk optimizes for throughput. It leaves the defaults unchanged.
	ProfileBulk Profile = 1

	// ProfileInteractive optimizes for latency: it recovers from loss sooner
	// at the cost of more spurious retransmissions, and sends small writes
	// without waiting for outstanding data to be acknowledged.
	ProfileInteractive Profile = 2
)

func (p Profile) String() string {
	switch p {
	case ProfileBulk:
		return "bulk"
	case ProfileInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// IsValid reports whether p is a known profile.
func (p Profile) IsValid() bool {
	return p == ProfileBulk || p == ProfileInteractive
}

// parseProfile maps a config file value to a Profile.
func parseProfile(s string) (Profile, error) {
	switch s {
	case "bulk":
		return ProfileBulk, nil
	case "interactive":
		return ProfileInteractive, nil
	default:
		return 0, fmt.Errorf("unknown profile %q (want bulk or interactive)", s)
	}
}

// Apply returns cfg tuned for p.
func (p Profile) Apply(cfg Config) Config {
	if p != ProfileInteractive {
		return cfg
	}
	if cfg.InitialRTO > cfg.MinRTO*2 {
		cfg.InitialRTO /= 2
	}
	if cfg.DuplicateAckThreshold > 2 {
		cfg.DuplicateAckThreshold = 2
	}
	cfg.NoDelay = true
	return cfg
}
