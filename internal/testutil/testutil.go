// Package testutil 提供测试用的内存库与夹具，只在 _test.go 中引用。
package testutil

import (
	"strings"
	"testing"

	"storefront/internal/database"
	"storefront/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// OpenDB 打开已迁移的 in-memory SQLite。
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func CreateUser(t testing.TB, db *gorm.DB, email string) *model.User {
	t.Helper()
	u := &model.User{Name: email, Email: email}
	require.NoError(t, db.Create(u).Error)
	return u
}

func CreateProduct(t testing.TB, db *gorm.DB, name, price string, stock int64) *model.Product {
	t.Helper()
	p := &model.Product{
		Name:  name,
		Slug:  strings.ToLower(strings.ReplaceAll(name, " ", "-")) + "-" + uuid.NewString()[:8],
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}
