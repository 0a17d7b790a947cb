package inventory

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/apperr"
	"storefront/internal/model"

	"gorm.io/gorm"
)

// Ledger 封装商品库存的原子增减。所有方法只接受事务句柄，
// 库存变更必须和依赖它的订单写入处于同一事务。
type Ledger struct{}

func NewLedger() *Ledger { return &Ledger{} }

// Reserve 扣减库存：一条带条件的 UPDATE 完成「判断 >= 扣减量 + 扣减」，
// 并发下同一行由数据库行锁串行，不会出现 check-then-write 超卖。
// 影响行数为 0 时回查商品以区分「不存在」与「库存不足」。
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, productID uint, quantity int) (*model.Product, error) {
	if quantity <= 0 {
		return nil, apperr.Validation(map[string]string{"quantity": "must be at least 1"})
	}

	res := tx.WithContext(ctx).Model(&model.Product{}).
		Where("id = ? AND stock >= ?", productID, quantity).
		UpdateColumn("stock", gorm.Expr("stock - ?", quantity))
	if res.Error != nil {
		return nil, fmt.Errorf("reserve product %d: %w", productID, res.Error)
	}

	var p model.Product
	if err := tx.WithContext(ctx).First(&p, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Product")
		}
		return nil, fmt.Errorf("load product %d: %w", productID, err)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.InsufficientStock(p.ID, p.Name, p.Stock, quantity)
	}
	return &p, nil
}

// Release 无条件回补库存（取消订单时使用）。
// 软删除的商品同样回补，Unscoped 绕开 deleted_at 过滤。
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, productID uint, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	err := tx.WithContext(ctx).Unscoped().Model(&model.Product{}).
		Where("id = ?", productID).
		UpdateColumn("stock", gorm.Expr("stock + ?", quantity)).Error
	if err != nil {
		return fmt.Errorf("release product %d: %w", productID, err)
	}
	return nil
}
