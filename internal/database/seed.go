package database

import (
	"storefront/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Seed 写入演示用户与商品，已存在则跳过。
func Seed(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.User{}).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		users := []model.User{
			{Name: "Demo Buyer", Email: "buyer@example.com"},
			{Name: "Second Buyer", Email: "second@example.com"},
		}
		if err := tx.Create(&users).Error; err != nil {
			return err
		}

		products := []model.Product{
			{Name: "Kopi Toraja 250g", Slug: "kopi-toraja-250g", Price: decimal.RequireFromString("50000.00"), Stock: 100},
			{Name: "Teh Melati 100g", Slug: "teh-melati-100g", Price: decimal.RequireFromString("30000.00"), Stock: 100},
			{Name: "Batik Tote Bag", Slug: "batik-tote-bag", Price: decimal.RequireFromString("125000.00"), Stock: 10},
		}
		return tx.Create(&products).Error
	})
}
