// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewLoggers confirms both logger configurations build and log.
func TestNewLoggers(t *testing.T) {
	t.Parallel()

	for _, dev := range []bool{true, false} {
		logger, err := New(dev)
		if err != nil {
			t.Fatalf("New(%v) error = %v", dev, err)
		}
		if logger == nil {
			t.Fatal("expected logger to be non-nil")
		}
		logger.Info("logger ready")
		_ = logger.Sync() //nolint:errcheck // best-effort flush
	}
}

// TestForTenantAddsFields checks tenant scoping.
func TestForTenantAddsFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	ForTenant(zap.New(core), "acme", "search_console").Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["tenant"] != "acme" || fields["provider"] != "search_console" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if ForTenant(nil, "a", "b") == nil {
		t.Fatal("expected no-op logger for nil input")
	}
}
