package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/storefront-fulfillment/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one %s migration, found %d", suffix, len(matches))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks []string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("ValidateDir: %v", err)
	}
}

func TestProductsMigrationGuardsStock(t *testing.T) {
	assertContains(t, readMigration(t, "create_products"), []string{
		"CREATE TABLE IF NOT EXISTS products",
		"stock integer NOT NULL DEFAULT 0 CHECK (stock >= 0)",
		"options jsonb NOT NULL",
		"DROP TABLE IF EXISTS products",
	})
}

func TestOrdersMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_orders"), []string{
		"CREATE TABLE IF NOT EXISTS orders",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_order_number ON orders (order_number)",
		"ux_orders_payment_session_id",
		"stock_updated boolean NOT NULL DEFAULT false",
		"CONSTRAINT chk_orders_total CHECK (total_cents = subtotal_cents + shipping_cents + commission_cents + tax_cents)",
		"CREATE TABLE IF NOT EXISTS order_items",
		"CHECK (quantity >= 1)",
		"CREATE TABLE IF NOT EXISTS order_status_history",
		"DROP TABLE IF EXISTS orders",
	})
}

func TestShipmentsMigrationUsesSparseTrackingIndex(t *testing.T) {
	assertContains(t, readMigration(t, "create_shipments"), []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_shipments_tracking_number ON shipments (tracking_number) WHERE tracking_number IS NOT NULL",
		"ux_shipments_active_order",
		"CREATE TABLE IF NOT EXISTS shipment_events",
		"DROP TABLE IF EXISTS shipments",
	})
}

func TestOutboxMigrationContainsTables(t *testing.T) {
	assertContains(t, readMigration(t, "create_outbox"), []string{
		"CREATE TABLE IF NOT EXISTS outbox_events",
		"CREATE TABLE IF NOT EXISTS outbox_dlq",
		"WHERE published_at IS NULL",
	})
}

func TestValidateDirRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad-name.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename error")
	}

	dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "20260101000000_missing_down.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected missing down marker error")
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Shipment Notes!")
	if err != nil {
		t.Fatalf("CreateSQLMigration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_shipment_notes.sql") {
		t.Fatalf("unexpected path %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}
