// Package dbtest opens isolated in-memory databases for package tests.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type options struct {
	guardTables []string
}

type Option func(*options)

// WithTenantGuard installs db.TenantGuard for the given tables after migration.
func WithTenantGuard(tables ...string) Option {
	return func(o *options) {
		o.guardTables = append(o.guardTables, tables...)
	}
}

// New returns a fresh pure-Go sqlite database with models auto-migrated.
func New(t testing.TB, models []any, opts ...Option) *gorm.DB {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
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

	if len(models) > 0 {
		if err := conn.AutoMigrate(models...); err != nil {
			t.Fatalf("auto migrate: %v", err)
		}
	}

	if len(o.guardTables) > 0 {
		if err := conn.Use(db.NewTenantGuard("tenant_id", o.guardTables...)); err != nil {
			t.Fatalf("tenant guard: %v", err)
		}
	}

	return conn
}
