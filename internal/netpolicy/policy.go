// Package netpolicy decides whether network operations originating from
// executed code may reach a given host, and enforces those decisions at a
// per-session egress proxy. The policy is an immutable value attached to a
// session at creation time; there is no process-wide state.
package netpolicy

import (
	"fmt"
	"strings"

	"github.com/helloimcx/sandbox-mcp/internal/types"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	Block Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "block"
}

// Policy is the network-access rule set for one session. Blocked entries
// always override allowed entries.
type Policy struct {
	Enabled        bool
	AllowedDomains []string
	BlockedDomains []string
}

// Status is the diagnostics snapshot of a policy.
type Status struct {
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains"`
}

// Status returns a copy of the policy for diagnostics.
func (p Policy) Status() Status {
	return Status{
		Enabled:        p.Enabled,
		AllowedDomains: append([]string(nil), p.AllowedDomains...),
		BlockedDomains: append([]string(nil), p.BlockedDomains...),
	}
}

// Decide evaluates the policy against a target host. Evaluation order is
// fixed: disabled network blocks everything, then the blocklist, then the
// allowlist (a non-empty allowlist blocks anything it does not match).
func (p Policy) Decide(host string) Decision {
	if !p.Enabled {
		return Block
	}

	host = canonicalHost(host)
	if host == "" {
		return Block
	}

	for _, entry := range p.BlockedDomains {
		if matchDomain(entry, host) {
			return Block
		}
	}

	if len(p.AllowedDomains) > 0 {
		for _, entry := range p.AllowedDomains {
			if matchDomain(entry, host) {
				return Allow
			}
		}
		return Block
	}

	return Allow
}

// matchDomain reports whether host falls under entry. Matching is on whole
// labels only:
//   - exact: entry == host
//   - explicit subdomain (".abc.com"): host ends with entry, apex excluded
//   - bare domain ("abc.com"): host == entry or host is any subdomain of it
func matchDomain(entry, host string) bool {
	entry = canonicalHost(entry)
	if entry == "" || host == "" {
		return false
	}

	if strings.HasPrefix(entry, ".") {
		return strings.HasSuffix(host, entry)
	}
	return host == entry || strings.HasSuffix(host, "."+entry)
}

// canonicalHost lowercases and strips the trailing root-zone dot.
func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// ValidateEntry rejects domain-list entries that cannot match any hostname.
func ValidateEntry(entry string) error {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return fmt.Errorf("%w: empty domain entry", types.ErrConfiguration)
	}
	if strings.ContainsAny(trimmed, " \t") {
		return fmt.Errorf("%w: domain entry %q contains whitespace", types.ErrConfiguration, entry)
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") {
		return fmt.Errorf("%w: domain entry %q must be a bare hostname, not a URL", types.ErrConfiguration, entry)
	}
	if canonicalHost(trimmed) == "" || canonicalHost(trimmed) == "." {
		return fmt.Errorf("%w: domain entry %q is not a hostname", types.ErrConfiguration, entry)
	}
	return nil
}

// Validate checks every entry of both lists.
func (p Policy) Validate() error {
	for _, entry := range p.AllowedDomains {
		if err := ValidateEntry(entry); err != nil {
			return err
		}
	}
	for _, entry := range p.BlockedDomains {
		if err := ValidateEntry(entry); err != nil {
			return err
		}
	}
	return nil
}
