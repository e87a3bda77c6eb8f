package ratelimit

import (
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// Default policies.
var (
	DefaultIPPolicy  = Policy{Name: "ip", Capacity: 100, RefillRate: 10}
	DefaultKeyPolicy = Policy{Name: "api_key", Capacity: 1000, RefillRate: 100}

	DefaultStreamPolicy = Policy{Name: "stream_open", Capacity: 30, RefillRate: 1}
)

// Guard applies the two write policies: a coarse one keyed by client address
// and a finer one keyed by credential. Stream opens draw from a third policy
// whose buckets are separate from the write ones.
type Guard struct {
	limiter   *Limiter
	ip        Policy
	key       Policy
	stream    Policy
	whitelist *Whitelist
	logger    zerolog.Logger
}

// NewGuard creates a guard over limiter.
func NewGuard(limiter *Limiter, ip, key Policy, whitelist *Whitelist, logger zerolog.Logger) *Guard {
	if whitelist == nil {
		whitelist = &Whitelist{}
	}
	return &Guard{
		limiter:   limiter,
		ip:        ip,
		key:       key,
		stream:    DefaultStreamPolicy,
		whitelist: whitelist,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// CheckIP applies the coarse policy alone. Whitelisted addresses always pass.
func (g *Guard) CheckIP(ip string) Decision {
	if g.whitelist.Contains(ip) {
		return Decision{Policy: g.ip.Name, Allowed: true, Limit: g.ip.Capacity, Remaining: g.ip.Capacity}
	}
	d := g.limiter.Allow(ip, 1, g.ip)
	if !d.Allowed {
		g.logDenied(d, ip, "")
	}
	return d
}

// WithStreamPolicy replaces the policy charged by CheckStream.
func (g *Guard) WithStreamPolicy(p Policy) *Guard {
	g.stream = p
	return g
}

// CheckStream charges one stream open to ip. Whitelisted addresses always
// pass. Reads and writes never touch this policy.
func (g *Guard) CheckStream(ip string) Decision {
	if g.whitelist.Contains(ip) {
		return Decision{Policy: g.stream.Name, Allowed: true, Limit: g.stream.Capacity, Remaining: g.stream.Capacity}
	}
	d := g.limiter.Allow(ip, 1, g.stream)
	if !d.Allowed {
		g.logDenied(d, ip, "")
	}
	return d
}

// CheckWrite applies the coarse policy and then the credential policy. A
// coarse denial is reported in preference to the credential one, and the
// credential bucket is not debited when the coarse check fails.
func (g *Guard) CheckWrite(ip, credentialID string) Decision {
	coarse := g.CheckIP(ip)
	if !coarse.Allowed {
		return coarse
	}

	d := g.limiter.Allow(credentialID, 1, g.key)
	if !d.Allowed {
		g.logDenied(d, ip, credentialID)
	}
	return d
}

func (g *Guard) logDenied(d Decision, ip, credentialID string) {
	g.logger.Warn().
		Str("type", "security").
		Str("event", "rate_limit_exceeded").
		Str("policy", d.Policy).
		Str("ip", ip).
		Str("credential", credentialID).
		Int("retry_after", d.RetryAfterSeconds()).
		Msg("rate limit exceeded")
}

// Whitelist holds addresses and networks exempt from the coarse policy.
type Whitelist struct {
	nets []*net.IPNet
	ips  map[string]bool
}

// ParseWhitelist builds a whitelist from IPs and CIDRs. Invalid entries are
// logged and skipped.
func ParseWhitelist(entries []string, logger zerolog.Logger) *Whitelist {
	wl := &Whitelist{ips: make(map[string]bool)}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			wl.nets = append(wl.nets, ipNet)
		} else {
			wl.ips[entry] = true
		}
	}

	if len(wl.ips)+len(wl.nets) > 0 {
		logger.Info().
			Int("ips", len(wl.ips)).
			Int("cidrs", len(wl.nets)).
			Msg("rate limit whitelist configured")
	}

	return wl
}

// Contains reports whether ip is whitelisted.
func (wl *Whitelist) Contains(ipStr string) bool {
	if wl.ips[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range wl.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
