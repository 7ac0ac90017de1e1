package api

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// defaultPairingLimit is the number of pairing requests per tenant before
	// lockout begins.
	defaultPairingLimit = 5
	pairingBaseLockout  = 1 * time.Minute
	pairingMaxLockout   = 30 * time.Minute
	// pairingExpiry is how long after the last request a record is dropped.
	pairingExpiry = 1 * time.Hour
	// sweepThreshold is the record count above which expired records are
	// dropped on insert.
	sweepThreshold = 1024
)

var errPairingThrottled = errors.New("pairing requests throttled")

// pairingLimiter throttles pairing-code requests per tenant. Every request
// that reaches the network counts, successful or not.
type pairingLimiter struct {
	mu       sync.Mutex
	limit    int
	requests map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	count       int
	last        time.Time
	lockedUntil time.Time
}

func newPairingLimiter(limit int) *pairingLimiter {
	return &pairingLimiter{
		limit:    limit,
		requests: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether tenantID is locked out and for how long.
func (pl *pairingLimiter) check(tenantID string) (blocked bool, retryAfter time.Duration) {
	if pl == nil {
		return false, 0
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	rec, ok := pl.requests[tenantID]
	if !ok {
		return false, 0
	}
	now := pl.now()
	if now.Sub(rec.last) > pairingExpiry {
		delete(pl.requests, tenantID)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// record counts one request and applies exponential backoff once the limit
// is reached.
func (pl *pairingLimiter) record(tenantID string) {
	if pl == nil {
		return
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := pl.now()
	rec, ok := pl.requests[tenantID]
	if !ok {
		if len(pl.requests) >= sweepThreshold {
			pl.sweepLocked(now)
		}
		rec = &attemptRecord{}
		pl.requests[tenantID] = rec
	}
	rec.count++
	rec.last = now

	if rec.count >= pl.limit {
		lockout := pairingBaseLockout
		for i := 0; i < rec.count-pl.limit; i++ {
			lockout *= 2
			if lockout > pairingMaxLockout {
				lockout = pairingMaxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// sweepLocked removes expired records. pl.mu must be held.
func (pl *pairingLimiter) sweepLocked(now time.Time) {
	for id, rec := range pl.requests {
		if now.Sub(rec.last) > pairingExpiry {
			delete(pl.requests, id)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, CodeTooManyRequests)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the client address recorded in audit entries.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers are honored only when the direct peer falls within one of
// trustedProxies. Priority then is the first valid X-Forwarded-For entry,
// the first Forwarded "for=" value, X-Real-IP, and finally RemoteAddr.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}
	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// Zone, e.g. fe80::1%eth0.
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

// ParseTrustedProxies parses CIDR ranges or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
