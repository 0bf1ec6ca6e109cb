package keyrule

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// separator delimits the three sections of a human-key. It is the ASCII Unit
// Separator (0x1F); any such byte surviving query/header decoding is escaped
// to the literal 3-byte sequence "%1F" before composition so it can never be
// mistaken for a section boundary.
const separator = "\x1f"

// Key is the result of a successful Canonicalize call.
type Key struct {
	Fingerprint uint64
	Human       []byte
}

// pair is a single (name, value) query parameter, decoded exactly once.
type pair struct {
	name  string
	value string
}

// Canonicalize derives a cache key for a request, or reports that the
// request is not cacheable (method != GET, no rule match, or a disabled
// rule). See spec §4.1 for the exact algorithm.
func Canonicalize(method, path, rawQuery string, header http.Header, rules *RuleSet) (Key, *Rule, bool) {
	if method != http.MethodGet {
		return Key{}, nil, false
	}

	rule := rules.Match(path)
	if rule == nil {
		return Key{}, nil, false
	}

	pairs := selectQueryPairs(rawQuery, rule.QueryWhitelist)
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})

	headers := selectHeaders(header, rule.reqHeadersLower)
	sort.Strings(headers)

	human := composeHuman(path, pairs, headers)
	fp := xxhash.Sum64(human)

	return Key{Fingerprint: fp, Human: human}, rule, true
}

// selectQueryPairs parses rawQuery into ordered (name, value) pairs, decoding
// percent-escapes and '+' exactly once (net/url.QueryUnescape's single
// pass gives %252F -> the literal text "%2F", never "/" ), then keeps only
// pairs whose name begins with one of the whitelist prefixes.
func selectQueryPairs(rawQuery string, whitelist []string) []pair {
	if rawQuery == "" || len(whitelist) == 0 {
		return nil
	}

	var out []pair
	for _, kv := range strings.Split(rawQuery, "&") {
		if kv == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(kv, "=")

		name, err := url.QueryUnescape(rawName)
		if err != nil {
			name = rawName
		}
		if !hasWhitelistedPrefix(name, whitelist) {
			continue
		}

		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			value = rawValue
		}

		out = append(out, pair{name: name, value: value})
	}
	return out
}

func hasWhitelistedPrefix(name string, whitelist []string) bool {
	for _, w := range whitelist {
		if strings.HasPrefix(name, w) {
			return true
		}
	}
	return false
}

// selectHeaders returns the lowercased names + raw byte values of headers
// whose (case-insensitive) name matches the whitelist, formatted as
// "name:value" entries ready for sorting and joining.
func selectHeaders(header http.Header, lowerWhitelist []string) []string {
	if len(lowerWhitelist) == 0 || len(header) == 0 {
		return nil
	}

	var out []string
	for name, values := range header {
		lower := strings.ToLower(name)
		if !containsString(lowerWhitelist, lower) {
			continue
		}
		for _, v := range values {
			out = append(out, lower+":"+v)
		}
	}
	return out
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func composeHuman(path string, pairs []pair, headers []string) []byte {
	var b strings.Builder
	b.WriteString(escapeSeparator(path))
	b.WriteString(separator)
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeSeparator(p.name))
		b.WriteByte('=')
		b.WriteString(escapeSeparator(p.value))
	}
	b.WriteString(separator)
	for i, h := range headers {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeSeparator(h))
	}
	return []byte(b.String())
}

func escapeSeparator(s string) string {
	if !strings.Contains(s, separator) {
		return s
	}
	return strings.ReplaceAll(s, separator, "%1F")
}
