package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckoutCoreMigrationValid(t *testing.T) {
	if err := ValidateDir("migrations"); err != nil {
		t.Fatalf("ValidateDir(%q): %v", "migrations", err)
	}
}

func TestCheckoutCoreMigrationContents(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_checkout_core.sql"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one checkout core migration, found %d", len(matches))
	}

	b, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(b)

	for _, want := range []string{
		"CREATE TYPE checkout_state_enum",
		"CREATE TYPE currency_enum",
		"CREATE TYPE aggregate_type_enum",
		"CREATE TYPE event_type_enum",
		"CREATE TYPE outbox_dlq_error_reason_enum",
		"CREATE TABLE IF NOT EXISTS checkouts",
		"CREATE TABLE IF NOT EXISTS idempotency_keys",
		"CREATE TABLE IF NOT EXISTS webhook_events",
		"CREATE TABLE IF NOT EXISTS outbox_events",
		"CREATE TABLE IF NOT EXISTS outbox_dlq",
		"ux_idempotency_keys_route_key",
		"ux_webhook_events_provider_event_id",
		"ux_outbox_events_event_aggregate",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing expected fragment %q", want)
		}
	}
}
