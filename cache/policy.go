package cache

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a Policy treats entry age.
type Mode int

const (
	// ModeTTLGated expires entries older than the TTL, but only while online.
	ModeTTLGated Mode = iota
	// ModeExplicitInvalidationOnly never expires entries; only a delete,
	// clear or refresh removes them.
	ModeExplicitInvalidationOnly
)

func (m Mode) String() string {
	switch m {
	case ModeTTLGated:
		return "ttl"
	case ModeExplicitInvalidationOnly:
		return "explicit"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ttl", "ttl_gated", "ttlgated":
		return ModeTTLGated, nil
	case "explicit", "explicit_invalidation_only", "explicitinvalidationonly":
		return ModeExplicitInvalidationOnly, nil
	}
	return 0, fmt.Errorf("cache: unknown policy mode %q", s)
}

// Policy decides whether a cached entry may still be served.
type Policy struct {
	Mode Mode
	TTL  time.Duration
}

// TTLGated returns a policy expiring entries after ttl while online.
func TTLGated(ttl time.Duration) Policy {
	return Policy{Mode: ModeTTLGated, TTL: ttl}
}

// ExplicitInvalidation returns a policy whose entries never expire on their own.
func ExplicitInvalidation() Policy {
	return Policy{Mode: ModeExplicitInvalidationOnly}
}

// IsStale reports whether an entry written at lastUpdatedMs is unusable at
// nowMs. Offline, nothing is ever stale: old data beats no data when a
// fresher copy cannot be fetched anyway.
func (p Policy) IsStale(lastUpdatedMs, nowMs int64, online bool) bool {
	if p.Mode == ModeExplicitInvalidationOnly {
		return false
	}
	return online && nowMs-lastUpdatedMs > p.TTL.Milliseconds()
}

func (p Policy) String() string {
	if p.Mode == ModeTTLGated {
		return fmt.Sprintf("%s(%s)", p.Mode, p.TTL)
	}
	return p.Mode.String()
}
