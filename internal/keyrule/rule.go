// Package keyrule implements rule-driven derivation of cache keys from HTTP
// requests: longest-prefix path matching, selective query/header whitelists,
// and the canonical human-key/fingerprint pair used by internal/store.
//
// © 2025 advcache authors. MIT License.
package keyrule

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// OnTTL selects what the lifetime manager does when one of a rule's entries
// reaches its refresh point: refetch it from the upstream, or remove it.
type OnTTL uint8

const (
	OnTTLRefresh OnTTL = iota
	OnTTLRemove
)

// Rule is immutable after load, keyed by path prefix (longest-prefix match).
type Rule struct {
	PathPrefix string

	QueryWhitelist         []string // ordered; matched as a prefix on the parameter name
	RequestHeaderWhitelist []string // ordered; exact, case-insensitive
	ResponseHeaderWhitelist []string // ordered; exact, case-insensitive, preserved in stored response

	TTL         time.Duration
	OnTTLPolicy OnTTL
	Beta        float64 // jitter coefficient, [0,1]
	Coefficient float64 // refresh-point coefficient, [0,1]
	Enabled     bool

	// lowercased copies of RequestHeaderWhitelist built by Finalize(), used
	// on the hot path so Canonicalize never lowercases the whitelist per request.
	reqHeadersLower []string
}

// Finalize precomputes derived fields. Must be called once after the rule
// set is loaded and before Canonicalize is used concurrently.
func (r *Rule) Finalize() {
	r.reqHeadersLower = make([]string, len(r.RequestHeaderWhitelist))
	for i, h := range r.RequestHeaderWhitelist {
		r.reqHeadersLower[i] = strings.ToLower(h)
	}
}

// RuleSet is an immutable, longest-prefix-match table of Rules.
type RuleSet struct {
	// rules sorted by descending PathPrefix length so the first match found
	// by a linear scan is always the longest prefix match. Rule sets in
	// practice are small (tens of entries), so a linear scan beats building
	// and maintaining a trie.
	rules []*Rule
}

// NewRuleSet builds a RuleSet from the given rules, finalizing each one and
// sorting them by descending prefix length for longest-prefix matching.
func NewRuleSet(rules []*Rule) *RuleSet {
	cp := make([]*Rule, len(rules))
	copy(cp, rules)
	for _, r := range cp {
		r.Finalize()
	}
	sort.SliceStable(cp, func(i, j int) bool {
		return len(cp[i].PathPrefix) > len(cp[j].PathPrefix)
	})
	return &RuleSet{rules: cp}
}

// Match returns the longest prefix match for path, or nil when no rule
// matches or the longest match is disabled.
func (rs *RuleSet) Match(path string) *Rule {
	for _, r := range rs.rules {
		if strings.HasPrefix(path, r.PathPrefix) {
			if !r.Enabled {
				return nil
			}
			return r
		}
	}
	return nil
}

// defaultRefreshTTL, defaultRefreshBeta and defaultRefreshCoefficient apply
// when an entry has no matching rule (e.g. a rule was removed after the
// entry was cached).
const (
	defaultRefreshTTL         = time.Minute
	defaultRefreshBeta        = 0.1
	defaultRefreshCoefficient = 0.9
)

// RefreshParams resolves the TTL/beta/coefficient triple rule governs an
// entry's refresh point, falling back to sane defaults when rule is nil.
func RefreshParams(rule *Rule) (ttl time.Duration, beta, coefficient float64) {
	if rule == nil {
		return defaultRefreshTTL, defaultRefreshBeta, defaultRefreshCoefficient
	}
	return rule.TTL, rule.Beta, rule.Coefficient
}

// RefreshPoint implements spec §4.7's β-jitter formula:
//
//	refresh_after = created_at + ttl*coefficient*(1±beta)
//
// so that many entries sharing a rule don't all become due for revalidation
// in the same instant (thundering herd against the upstream).
func RefreshPoint(createdAt time.Time, ttl time.Duration, coefficient, beta float64) time.Time {
	jitter := 1.0
	if beta > 0 {
		jitter = 1.0 + (rand.Float64()*2-1)*beta
	}
	offset := time.Duration(float64(ttl) * coefficient * jitter)
	return createdAt.Add(offset)
}
