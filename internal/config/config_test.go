package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
cache:
  enabled: true
  upstream:
    url: "http://origin.internal"
    rate: 50
  storage:
    size: 1073741824
  eviction:
    soft_limit: 0.8
    hard_limit: 0.95
  rules:
    - path: "/api/v1/user"
      ttl: 60s
      beta: 0.2
      enabled: true
      cache_key:
        query: ["id"]
        headers: ["Accept-Language"]
      cache_value:
        headers: ["Content-Type"]
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "advcache.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ParsesAndDefaults(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Cache.Storage.Shards != 1024 {
		t.Fatalf("expected default shard count 1024, got %d", doc.Cache.Storage.Shards)
	}
	if doc.Cache.Upstream.Policy != "deny" {
		t.Fatalf("expected default upstream policy deny, got %q", doc.Cache.Upstream.Policy)
	}
	if len(doc.Cache.Rules) != 1 || doc.Cache.Rules[0].Coefficient != 0.9 {
		t.Fatalf("expected rule coefficient to default to 0.9, got %+v", doc.Cache.Rules)
	}
}

func TestLoad_RejectsMissingUpstreamURL(t *testing.T) {
	path := writeTemp(t, `
cache:
  storage:
    size: 1024
  upstream:
    rate: 10
`)
	if _, err := Load(path); err != errInvalidUpstream {
		t.Fatalf("expected errInvalidUpstream, got %v", err)
	}
}

func TestLoad_RejectsInvertedWatermarks(t *testing.T) {
	path := writeTemp(t, `
cache:
  storage:
    size: 1024
  upstream:
    url: "http://x"
    rate: 10
  eviction:
    soft_limit: 0.9
    hard_limit: 0.5
`)
	if _, err := Load(path); err != errInvalidSoftHard {
		t.Fatalf("expected errInvalidSoftHard, got %v", err)
	}
}

func TestBuildRuleSet(t *testing.T) {
	rules := []*Rule{{
		PathPrefix: "/api/v1/user",
		TTL:        60_000_000_000,
		Enabled:    true,
		Key:        Key{Query: []string{"id"}},
	}}
	rs := BuildRuleSet(rules)
	if rs.Match("/api/v1/user/42") == nil {
		t.Fatalf("expected the rule to match by prefix")
	}
}
