package config

import (
	"sync/atomic"

	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Provider owns the live configuration snapshot. Readers call Current at
// request entry and keep that snapshot for the lifetime of the request;
// Reload rebuilds from the original sources and swaps, so only requests
// admitted afterwards see the change.
type Provider struct {
	log *logger.Logger

	cur atomic.Pointer[Config]
}

func NewProvider(log *logger.Logger, cfg Config) *Provider {
	p := &Provider{log: log.With("service", "ConfigProvider")}
	p.cur.Store(&cfg)
	return p
}

// Current returns the live snapshot. Callers must not mutate it; per-query
// changes go through ApplyOverrides, which copies.
func (p *Provider) Current() *Config {
	return p.cur.Load()
}

// Reload re-runs the full load chain (defaults, file, env, validation). A
// replacement that fails to load leaves the running snapshot in place.
func (p *Provider) Reload() error {
	cfg, err := Load()
	if err != nil {
		p.log.Error("configuration reload rejected", "error", err)
		return err
	}
	p.cur.Store(&cfg)
	p.log.Info("configuration reloaded", "tenant_overlays", len(cfg.Tenants))
	return nil
}
