// Package testdb opens throwaway SQLite databases carrying the same tables as
// the goose migrations, for repository and service tests.
package testdb

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_price_cents INTEGER NOT NULL,
		image_url TEXT,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		sales INTEGER NOT NULL DEFAULT 0,
		options TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		order_number INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		payment_session_id TEXT,
		payment_data TEXT NOT NULL DEFAULT '{}',
		subtotal_cents INTEGER NOT NULL,
		shipping_cents INTEGER NOT NULL,
		commission_cents INTEGER NOT NULL DEFAULT 0,
		commission_rate REAL NOT NULL DEFAULT 0,
		commission_label TEXT,
		tax_cents INTEGER NOT NULL,
		total_cents INTEGER NOT NULL,
		shipping_address TEXT NOT NULL,
		shipping_provider TEXT NOT NULL,
		tracking_number TEXT,
		shipping_company TEXT,
		notes TEXT,
		stock_updated BOOLEAN NOT NULL DEFAULT 0,
		stock_restored BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_orders_order_number ON orders (order_number)`,
	`CREATE UNIQUE INDEX ux_orders_payment_session_id ON orders (payment_session_id) WHERE payment_session_id IS NOT NULL`,
	`CREATE TABLE order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		name TEXT NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		image TEXT,
		selected_options TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME
	)`,
	`CREATE TABLE order_status_history (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_status TEXT,
		note TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE shipments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		tracking_number TEXT,
		carrier TEXT NOT NULL,
		status TEXT NOT NULL,
		shipping_cost_cents INTEGER NOT NULL DEFAULT 0,
		estimated_delivery DATETIME,
		actual_delivery DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_shipments_tracking_number ON shipments (tracking_number) WHERE tracking_number IS NOT NULL`,
	`CREATE TABLE shipment_events (
		id TEXT PRIMARY KEY,
		shipment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		location TEXT,
		description TEXT,
		raw TEXT NOT NULL DEFAULT '{}',
		occurred_at DATETIME NOT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// Open returns an isolated in-memory database. The pool is pinned to one
// connection so concurrent transactions serialize the way row locks would.
func Open(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := "file:" + name + "_" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return conn
}
