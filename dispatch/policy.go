package dispatch

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/musabulbul/kurumtakip/protocol"
)

const (
	DefaultMinDelaySeconds = 10
	DefaultMaxDelaySeconds = 20
	// MaxDelaySeconds caps both delay bounds.
	MaxDelaySeconds = 3600
)

// NormalizeRecipient turns a phone number into a user address. Values that
// already contain a domain separator are returned unchanged.
func NormalizeRecipient(recipient string) string {
	if recipient == "" {
		return ""
	}
	if strings.Contains(recipient, "@") {
		return recipient
	}
	return Digits(recipient) + "@" + protocol.UserDomain
}

// Digits returns the ASCII digits of s after compatibility folding, so
// full-width digits count as digits.
func Digits(s string) string {
	folded := norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(folded))
	for i := 0; i < len(folded); i++ {
		if c := folded[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// RandomDelay picks a whole-millisecond delay uniformly from
// [minSeconds, maxSeconds]. Bounds are clamped to [0, MaxDelaySeconds] and a
// max below the min is raised to the min.
func RandomDelay(minSeconds, maxSeconds float64) time.Duration {
	minMs := clampMillis(minSeconds)
	maxMs := max(minMs, clampMillis(maxSeconds))
	return time.Duration(minMs+rand.Int64N(maxMs-minMs+1)) * time.Millisecond
}

// clampMillis converts seconds to whole milliseconds in range before the
// float leaves float64, so huge or non-finite input never overflows.
func clampMillis(seconds float64) int64 {
	if math.IsNaN(seconds) {
		return 0
	}
	ms := math.Floor(math.Min(math.Max(seconds, 0), MaxDelaySeconds) * 1000)
	return int64(ms)
}

// Seconds reads a delay bound from a decoded JSON value. Absent and
// non-numeric values yield def.
func Seconds(v any, def float64) float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return def
		}
		f = parsed
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return def
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}
