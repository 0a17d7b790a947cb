package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/database"
	"storefront/internal/inventory"
	"storefront/internal/logging"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/queue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxOrderNoAttempts = 3
	maxAddressLen      = 500
)

// errOrderNoTaken 订单号撞上唯一索引，整个事务回滚后换号重试。
var errOrderNoTaken = errors.New("order number already taken")

// CheckoutItem 一行下单明细。
type CheckoutItem struct {
	ProductID uint
	Quantity  int
}

type CheckoutInput struct {
	ShippingAddress string
	Items           []CheckoutItem
}

// Service 负责下单编排与订单状态迁移。
type Service struct {
	uow    *database.UnitOfWork
	ledger *inventory.Ledger
	log    *zap.Logger

	now     func() time.Time
	orderNo func(time.Time) (string, error)
}

func NewService(uow *database.UnitOfWork, ledger *inventory.Ledger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		uow:     uow,
		ledger:  ledger,
		log:     log.With(zap.String("component", "order")),
		now:     time.Now,
		orderNo: NewOrderNumber,
	}
}

// WithOrderNumbers 替换订单号生成器（测试撞号场景用）。
func (s *Service) WithOrderNumbers(gen func(time.Time) (string, error)) *Service {
	s.orderNo = gen
	return s
}

// Checkout 下单：校验 → 逐行扣库存 → 快照价格 → 计算总额 → 生成订单号 → 落订单与明细。
// 全部步骤在同一事务中，任一步失败整体回滚，不会留下部分扣减或孤儿订单。
func (s *Service) Checkout(ctx context.Context, caller model.Caller, in CheckoutInput) (*model.Order, error) {
	log := logging.FromContext(ctx, s.log)

	if err := validateCheckout(in); err != nil {
		metrics.Checkouts.WithLabelValues("invalid").Inc()
		return nil, err
	}
	in.ShippingAddress = strings.TrimSpace(in.ShippingAddress)

	for attempt := 1; attempt <= maxOrderNoAttempts; attempt++ {
		orderNo, err := s.orderNo(s.now())
		if err != nil {
			metrics.Checkouts.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("generate order number: %w", err)
		}

		o, err := s.checkoutOnce(ctx, caller, in, orderNo)
		if err == nil {
			metrics.Checkouts.WithLabelValues("created").Inc()
			log.Info("order created",
				zap.Uint("order_id", o.ID),
				zap.String("order_number", o.OrderNo),
				zap.Uint("user_id", caller.UserID),
				zap.String("total_amount", o.TotalAmount.StringFixed(2)),
			)
			return o, nil
		}
		if errors.Is(err, errOrderNoTaken) {
			log.Warn("order number collision, retrying", zap.String("order_number", orderNo), zap.Int("attempt", attempt))
			continue
		}

		switch {
		case errors.Is(err, apperr.ErrInsufficientStock):
			metrics.Checkouts.WithLabelValues("insufficient_stock").Inc()
		case errors.Is(err, apperr.ErrValidation):
			metrics.Checkouts.WithLabelValues("invalid").Inc()
		default:
			metrics.Checkouts.WithLabelValues("error").Inc()
			log.Error("checkout failed", zap.Uint("user_id", caller.UserID), zap.Error(err))
		}
		return nil, err
	}

	metrics.Checkouts.WithLabelValues("conflict").Inc()
	return nil, apperr.New(apperr.KindConflict, "Could not allocate a unique order number, please retry")
}

func (s *Service) checkoutOnce(ctx context.Context, caller model.Caller, in CheckoutInput, orderNo string) (*model.Order, error) {
	var created *model.Order
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		total := decimal.Zero
		items := make([]model.OrderItem, 0, len(in.Items))

		for i, it := range in.Items {
			p, err := s.ledger.Reserve(ctx, tx, it.ProductID, it.Quantity)
			if err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return apperr.Validation(map[string]string{
						fmt.Sprintf("items.%d.product_id", i): "The selected product does not exist",
					})
				}
				return err
			}

			subtotal := p.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
			total = total.Add(subtotal)
			items = append(items, model.OrderItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    it.Quantity,
				Price:       p.Price,
				Subtotal:    subtotal,
			})
		}

		o := &model.Order{
			UserID:          caller.UserID,
			OrderNo:         orderNo,
			ShippingAddress: in.ShippingAddress,
			TotalAmount:     total,
			Status:          model.OrderPendingPayment,
			Items:           items,
		}
		if err := tx.Create(o).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return errOrderNoTaken
			}
			return fmt.Errorf("create order: %w", err)
		}
		if err := queue.Enqueue(tx, queue.OrderEvent(queue.EventOrderCreated, o, "")); err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func validateCheckout(in CheckoutInput) error {
	fields := map[string]string{}
	addr := strings.TrimSpace(in.ShippingAddress)
	switch {
	case addr == "":
		fields["shipping_address"] = "The shipping address field is required"
	case len(addr) > maxAddressLen:
		fields["shipping_address"] = fmt.Sprintf("The shipping address may not be greater than %d characters", maxAddressLen)
	}
	if len(in.Items) == 0 {
		fields["items"] = "At least one item is required"
	}
	for i, it := range in.Items {
		if it.ProductID == 0 {
			fields[fmt.Sprintf("items.%d.product_id", i)] = "The product id field is required"
		}
		if it.Quantity < 1 {
			fields[fmt.Sprintf("items.%d.quantity", i)] = "The quantity must be at least 1"
		}
	}
	if len(fields) > 0 {
		return apperr.Validation(fields)
	}
	return nil
}

// Get 查询调用方自己的订单，带明细与支付。
func (s *Service) Get(ctx context.Context, caller model.Caller, id uint) (*model.Order, error) {
	return s.load(s.uow.DB(ctx), caller, id)
}

// List 调用方的订单，新的在前。
func (s *Service) List(ctx context.Context, caller model.Caller) ([]model.Order, error) {
	var orders []model.Order
	err := s.uow.DB(ctx).
		Preload("Items").
		Preload("Payment").
		Where("user_id = ?", caller.UserID).
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *Service) load(db *gorm.DB, caller model.Caller, id uint) (*model.Order, error) {
	var o model.Order
	err := db.Preload("Items").
		Preload("Payment").
		Where("user_id = ?", caller.UserID).
		First(&o, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Order")
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &o, nil
}

// Cancel 用户取消待支付订单并回补库存。
// 订单还挂着未完成的支付时，本地一并置为 EXPIRED；网关侧发票由调用方负责作废。
func (s *Service) Cancel(ctx context.Context, caller model.Caller, id uint) (*model.Order, error) {
	var out *model.Order
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		o, err := s.load(tx, caller, id)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPendingPayment {
			return apperr.InvalidTransition("Cannot cancel order that is already paid or being processed")
		}
		if o.Payment != nil && o.Payment.Status == model.PaymentSuccess {
			return apperr.InvalidTransition("Cannot cancel order with a successful payment")
		}

		cancelled, err := s.CancelTx(ctx, tx, o, "cancelled_by_user")
		if err != nil {
			return err
		}
		if !cancelled {
			return apperr.InvalidTransition("Order status changed concurrently, cannot cancel")
		}

		err = tx.Model(&model.Payment{}).
			Where("order_id = ? AND status IN ?", o.ID, []model.PaymentStatus{model.PaymentCreated, model.PaymentPending}).
			Update("status", model.PaymentExpired).Error
		if err != nil {
			return fmt.Errorf("expire open payment: %w", err)
		}

		out, err = s.load(tx, caller, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	RecordTransition(model.OrderPendingPayment, model.OrderCancelled)
	logging.FromContext(ctx, s.log).Info("order cancelled by user",
		zap.Uint("order_id", out.ID), zap.String("order_number", out.OrderNo))
	return out, nil
}

// CancelTx 是所有取消路径共用的例程：PENDING_PAYMENT -> CANCELLED 并逐行回补库存。
// 条件更新保证并发下只有一方真正取消，回补只发生一次。返回是否由本次调用取消。
func (s *Service) CancelTx(ctx context.Context, tx *gorm.DB, o *model.Order, reason string) (bool, error) {
	res := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", o.ID, model.OrderPendingPayment).
		Update("status", model.OrderCancelled)
	if res.Error != nil {
		return false, fmt.Errorf("cancel order %d: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	items := o.Items
	if items == nil {
		if err := tx.WithContext(ctx).Where("order_id = ?", o.ID).Find(&items).Error; err != nil {
			return false, fmt.Errorf("load order items: %w", err)
		}
	}
	for _, it := range items {
		if err := s.ledger.Release(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return false, err
		}
	}

	o.Status = model.OrderCancelled
	if err := queue.Enqueue(tx, queue.OrderEvent(queue.EventOrderCancelled, o, reason)); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPaidTx PENDING_PAYMENT -> PAID，仅由支付对账在支付成功时调用。
func (s *Service) MarkPaidTx(ctx context.Context, tx *gorm.DB, o *model.Order) (bool, error) {
	res := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", o.ID, model.OrderPendingPayment).
		Update("status", model.OrderPaid)
	if res.Error != nil {
		return false, fmt.Errorf("mark order %d paid: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	o.Status = model.OrderPaid
	if err := queue.Enqueue(tx, queue.OrderEvent(queue.EventOrderPaid, o, "")); err != nil {
		return false, err
	}
	return true, nil
}

// RecordTransition 订单状态迁移计数。*Tx 方法不计数，由调用方在事务提交后调用。
func RecordTransition(from, to model.OrderStatus) {
	metrics.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// UpdateStatus 管理端推进履约状态，只允许合法的前向迁移。
func (s *Service) UpdateStatus(ctx context.Context, id uint, target model.OrderStatus) (*model.Order, error) {
	if !target.Valid() {
		return nil, apperr.Validation(map[string]string{"status": "The selected status is invalid"})
	}

	var (
		out  model.Order
		from model.OrderStatus
	)
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("Order")
			}
			return err
		}
		from = out.Status
		if from.Terminal() {
			return apperr.InvalidTransition(fmt.Sprintf("Order is already %s", from))
		}
		if !model.IsAdminTransition(from, target) {
			return apperr.InvalidTransition(fmt.Sprintf("Cannot move order from %s to %s", from, target))
		}

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", id, from).
			Update("status", target)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidTransition("Order status changed concurrently")
		}
		out.Status = target
		return queue.Enqueue(tx, queue.OrderEvent(queue.EventOrderStatusChanged, &out, string(from)))
	})
	if err != nil {
		return nil, err
	}
	RecordTransition(from, target)
	logging.FromContext(ctx, s.log).Info("order status updated",
		zap.Uint("order_id", out.ID), zap.String("status", string(out.Status)))
	return &out, nil
}
