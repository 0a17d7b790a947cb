package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product 商品：名称、单价、库存。
type Product struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name        string          `gorm:"size:255;not null" json:"name"`
	Slug        string          `gorm:"size:255;uniqueIndex" json:"slug"`
	Description string          `gorm:"type:text" json:"description"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	// Stock 只能经 inventory 包做原子增减，任何时刻 >= 0。
	Stock    int64  `gorm:"not null;default:0;check:stock >= 0" json:"stock"`
	ImageURL string `gorm:"size:512" json:"image_url"`
}

func (Product) TableName() string { return "products" }

// User 只承载付款人联系方式；注册登录不在本服务内。
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name  string `gorm:"size:255;not null" json:"name"`
	Email string `gorm:"size:255;uniqueIndex;not null" json:"email"`
}

func (User) TableName() string { return "users" }

// Caller 是已认证的调用方身份，显式传入每个订单/支付操作。
type Caller struct {
	UserID uint
}
