package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

func newTestProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return NewProvider(log, cfg)
}

func TestProviderReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
tenants:
  acme:
    guardrail:
      preset: strict
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("QB_CONFIG_PATH", path)
	t.Setenv("QB_AUTH_MODE", "trust")
	t.Setenv("EMBEDDING_BASE_URL", "http://embed.local")
	t.Setenv("LLM_BASE_URL", "http://llm.local")

	base := Default()
	base.Auth.Mode = "trust"
	base.Embedding.BaseURL = "http://embed.local"
	base.LLM.BaseURL = "http://llm.local"
	p := newTestProvider(t, base)

	held := p.Current()
	if len(held.Tenants) != 0 {
		t.Fatalf("initial snapshot must carry no overlays, got %d", len(held.Tenants))
	}

	if err := p.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := p.Current().PipelineFor("acme").Guardrail.Preset; got != "strict" {
		t.Fatalf("reloaded overlay: want=strict got=%q", got)
	}
	// A snapshot taken before the reload stays what it was.
	if len(held.Tenants) != 0 {
		t.Fatalf("held snapshot changed under reload")
	}
}

func TestProviderReloadKeepsSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tenants: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("QB_CONFIG_PATH", path)

	base := Default()
	base.HTTP.Addr = ":6060"
	p := newTestProvider(t, base)

	if err := p.Reload(); err == nil {
		t.Fatalf("expected reload error for malformed file")
	}
	if got := p.Current().HTTP.Addr; got != ":6060" {
		t.Fatalf("snapshot must survive a failed reload: addr=%q", got)
	}
}
