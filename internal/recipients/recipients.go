// Package recipients turns raw contact lists into canonical transport addresses.
package recipients

import (
	"strings"

	"campaigner/internal/campaign"
)

// DefaultSuffix is the canonical transport domain appended to bare numbers.
const DefaultSuffix = "@s.whatsapp.net"

// Canonicalizer appends the transport domain to bare identifiers.
// The zero value uses DefaultSuffix.
type Canonicalizer struct {
	Suffix string
}

func (c Canonicalizer) suffix() string {
	if c.Suffix == "" {
		return DefaultSuffix
	}
	return c.Suffix
}

// Canonicalize returns the transport address for one entry. It is idempotent:
// an address already carrying the suffix is returned unchanged.
func (c Canonicalizer) Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	suf := c.suffix()
	if strings.HasSuffix(s, suf) {
		return s
	}
	if strings.Contains(s, "@") {
		// Other domains (groups, foreign transports) are left alone.
		return s
	}
	return cleanNumber(s) + suf
}

// Normalize trims, drops blank lines and canonicalizes, preserving order and
// duplicates so positional progress accounting stays 1:1 with the input.
func (c Canonicalizer) Normalize(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if a := c.Canonicalize(l); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// FromAttempts reconstructs a recipient set from historical send logs:
// first-seen order, deduplicated, canonical.
func (c Canonicalizer) FromAttempts(attempts []campaign.SendAttempt) []string {
	raw := make([]string, 0, len(attempts))
	for _, a := range attempts {
		raw = append(raw, a.Recipient)
	}
	return Dedupe(c.Normalize(raw))
}

// Dedupe drops repeated addresses keeping the first occurrence.
func Dedupe(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// LocalPart strips the domain, for display.
func LocalPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// cleanNumber removes the formatting people put in phone lists
// ("+1 (555) 010-2000" -> "15550102000"). A leading '-' is a sign, not
// formatting: negative ids are Telegram groups.
func cleanNumber(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
		case r == '-' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
