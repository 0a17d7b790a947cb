package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/database"
	"storefront/internal/logging"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/order"
	"storefront/internal/queue"
	rediskey "storefront/pkg/redis"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProviderXendit 目前唯一接入的回调来源。
const ProviderXendit = "xendit"

// 对账来源，用于指标与日志。
const (
	sourceCreate  = "create"
	sourceWebhook = "webhook"
	sourcePoll    = "poll"
	sourceCancel  = "cancel"
)

// Options 发票参数与回调凭证。
type Options struct {
	Currency        string
	InvoiceDuration time.Duration
	AppURL          string
	WebhookToken    string
	// LockTTL 建票锁过期时间，应大于网关超时。
	LockTTL time.Duration
}

// Service 支付网关适配 + 支付对账。
type Service struct {
	uow     *database.UnitOfWork
	orders  *order.Service
	gateway Gateway
	rdb     *redis.Client
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// NewService rdb 可以为 nil，此时不加建票锁，仅依赖数据库校验。
func NewService(uow *database.UnitOfWork, orders *order.Service, gateway Gateway, rdb *redis.Client, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Currency == "" {
		opts.Currency = "IDR"
	}
	if opts.InvoiceDuration <= 0 {
		opts.InvoiceDuration = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Service{
		uow:     uow,
		orders:  orders,
		gateway: gateway,
		rdb:     rdb,
		opts:    opts,
		log:     log.With(zap.String("component", "payment")),
		now:     time.Now,
	}
}

// View 支付连同所属订单。
type View struct {
	Payment *model.Payment
	Order   *model.Order
}

// Created 建票成功后的返回。InvoiceStatus 是网关原始状态。
type Created struct {
	Payment       *model.Payment
	OrderNo       string
	InvoiceID     string
	InvoiceURL    string
	ExternalID    string
	InvoiceStatus string
	ExpiresAt     *time.Time
}

// Create 为待支付订单开发票。先调网关，网关确认后才落 Payment 行，不留指向不存在发票的本地支付。
func (s *Service) Create(ctx context.Context, caller model.Caller, orderID uint, method model.PaymentMethod) (*Created, error) {
	log := logging.FromContext(ctx, s.log)

	fields := map[string]string{}
	if orderID == 0 {
		fields["order_id"] = "The order id field is required"
	}
	if !method.Valid() {
		fields["payment_method"] = "The selected payment method is invalid"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation(fields)
	}

	if s.rdb != nil {
		token := uuid.NewString()
		ok, err := rediskey.AcquirePaymentLock(ctx, s.rdb, orderID, token, s.opts.LockTTL)
		switch {
		case err != nil:
			log.Warn("payment lock unavailable, relying on db checks", zap.Uint("order_id", orderID), zap.Error(err))
		case !ok:
			return nil, apperr.New(apperr.KindConflict, "Payment for this order is already being created")
		default:
			defer func() {
				if err := rediskey.ReleasePaymentLock(context.Background(), s.rdb, orderID, token); err != nil {
					log.Warn("release payment lock failed", zap.Uint("order_id", orderID), zap.Error(err))
				}
			}()
		}
	}

	db := s.uow.DB(ctx)
	o, err := s.orders.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment != nil {
		return nil, duplicatePayment(o.Payment)
	}
	if o.Status != model.OrderPendingPayment {
		return nil, apperr.InvalidTransition("Order is not eligible for payment")
	}

	var payer model.User
	if err := db.First(&payer, o.UserID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load payer: %w", err)
	}

	externalID := fmt.Sprintf("INV-%s-%d", o.OrderNo, s.now().Unix())
	req := InvoiceRequest{
		ExternalID:         externalID,
		Amount:             o.TotalAmount,
		PayerEmail:         payer.Email,
		Description:        fmt.Sprintf("Payment for Order #%s", o.OrderNo),
		Currency:           s.opts.Currency,
		Duration:           s.opts.InvoiceDuration,
		SuccessRedirectURL: s.opts.AppURL + "/payment/success",
		FailureRedirectURL: s.opts.AppURL + "/payment/failed",
		PaymentMethods:     []string{string(method)},
	}
	for _, it := range o.Items {
		req.Items = append(req.Items, InvoiceItem{Name: it.ProductName, Quantity: it.Quantity, Price: it.Price, Category: "product"})
	}

	inv, err := s.gateway.CreateInvoice(ctx, req)
	if err != nil {
		log.Error("create invoice failed", zap.String("order_number", o.OrderNo), zap.Error(err))
		return nil, err
	}

	p := &model.Payment{
		OrderID:         o.ID,
		PGTransactionID: inv.ID,
		ExternalID:      externalID,
		Amount:          o.TotalAmount,
		Method:          method,
		Status:          MapProviderStatus(inv.Status),
		InvoiceURL:      inv.InvoiceURL,
		ExpiresAt:       inv.ExpiresAt,
		RawResponse:     string(inv.Raw),
	}
	err = s.uow.Do(ctx, func(tx *gorm.DB) error {
		var existing model.Payment
		err := tx.Where("order_id = ?", o.ID).First(&existing).Error
		if err == nil {
			return duplicatePayment(&existing)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", o.ID, model.OrderPendingPayment).
			Update("payment_method", string(method))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.InvalidTransition("Order is not eligible for payment")
		}

		if err := tx.Create(p).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.New(apperr.KindConflict, "Invoice already recorded")
			}
			return fmt.Errorf("create payment: %w", err)
		}
		return queue.Enqueue(tx, queue.PaymentEvent(queue.EventPaymentCreated, p, o))
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicatePayment) {
			log.Warn("concurrent payment creation lost the race", zap.String("order_number", o.OrderNo))
		}
		// 发票已经开出但本地没落库，尽力作废，避免用户付了一张孤儿发票
		if _, xerr := s.gateway.ExpireInvoice(context.Background(), inv.ID); xerr != nil {
			log.Error("expire orphan invoice failed", zap.String("invoice_id", inv.ID), zap.Error(xerr))
		}
		return nil, err
	}

	metrics.PaymentTransitions.WithLabelValues(sourceCreate, string(p.Status)).Inc()
	log.Info("payment created",
		zap.Uint("payment_id", p.ID),
		zap.String("order_number", o.OrderNo),
		zap.String("invoice_id", inv.ID),
		zap.String("method", string(method)),
	)
	return &Created{
		Payment:       p,
		OrderNo:       o.OrderNo,
		InvoiceID:     inv.ID,
		InvoiceURL:    inv.InvoiceURL,
		ExternalID:    externalID,
		InvoiceStatus: inv.Status,
		ExpiresAt:     inv.ExpiresAt,
	}, nil
}

func duplicatePayment(p *model.Payment) error {
	e := apperr.New(apperr.KindDuplicatePayment, "Order already has payment")
	e.Data = map[string]any{"payment_id": p.ID, "status": p.Status}
	return e
}

// ownedOrderIDs 调用方名下订单 id 的子查询。
func ownedOrderIDs(db *gorm.DB, caller model.Caller) *gorm.DB {
	return db.Session(&gorm.Session{NewDB: true}).
		Model(&model.Order{}).Select("id").Where("user_id = ?", caller.UserID)
}

func (s *Service) load(db *gorm.DB, caller model.Caller, id uint) (*View, error) {
	var p model.Payment
	err := db.Where("order_id IN (?)", ownedOrderIDs(db, caller)).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Payment")
		}
		return nil, fmt.Errorf("load payment %d: %w", id, err)
	}
	var o model.Order
	if err := db.First(&o, p.OrderID).Error; err != nil {
		return nil, fmt.Errorf("load order %d: %w", p.OrderID, err)
	}
	return &View{Payment: &p, Order: &o}, nil
}

// List 调用方的所有支付，新的在前。
func (s *Service) List(ctx context.Context, caller model.Caller) ([]model.Payment, error) {
	db := s.uow.DB(ctx)
	var payments []model.Payment
	err := db.Where("order_id IN (?)", ownedOrderIDs(db, caller)).
		Order("created_at DESC, id DESC").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// Get 按需对账：先向网关拉取最新状态再返回。已成功的支付不再回源。
func (s *Service) Get(ctx context.Context, caller model.Caller, id uint) (*View, error) {
	v, err := s.load(s.uow.DB(ctx), caller, id)
	if err != nil {
		return nil, err
	}
	if v.Payment.Status == model.PaymentSuccess {
		return v, nil
	}

	inv, err := s.gateway.GetInvoice(ctx, v.Payment.PGTransactionID)
	if err != nil {
		logging.FromContext(ctx, s.log).Warn("check payment status failed",
			zap.Uint("payment_id", v.Payment.ID), zap.Error(err))
		return nil, err
	}
	return s.reconcile(ctx, v.Payment.ID, inv.Status, inv.PaidAt, inv.Raw, sourcePoll)
}

// Cancel 作废未结算的支付：网关侧先作废发票，再本地置 EXPIRED 并取消订单、回补库存。
func (s *Service) Cancel(ctx context.Context, caller model.Caller, id uint) (*View, error) {
	log := logging.FromContext(ctx, s.log)

	v, err := s.load(s.uow.DB(ctx), caller, id)
	if err != nil {
		return nil, err
	}
	if v.Payment.Status == model.PaymentSuccess {
		return nil, apperr.New(apperr.KindAlreadySettled, "Cannot cancel successful payment")
	}

	raw := v.Payment.RawResponse
	if !v.Payment.Status.Final() {
		inv, err := s.gateway.ExpireInvoice(ctx, v.Payment.PGTransactionID)
		if err != nil {
			log.Error("expire invoice failed", zap.Uint("payment_id", v.Payment.ID), zap.Error(err))
			return nil, err
		}
		raw = string(inv.Raw)
	}

	var expired, cancelled bool
	err = s.uow.Do(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&model.Payment{}).
			Where("id = ? AND status <> ?", v.Payment.ID, model.PaymentSuccess).
			Updates(map[string]any{"status": model.PaymentExpired, "raw_response": raw})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindAlreadySettled, "Cannot cancel successful payment")
		}

		var o model.Order
		if err := tx.Preload("Items").First(&o, v.Payment.OrderID).Error; err != nil {
			return err
		}
		if v.Payment.Status != model.PaymentExpired {
			v.Payment.Status = model.PaymentExpired
			if err := queue.Enqueue(tx, queue.PaymentEvent(queue.EventPaymentStatusChanged, v.Payment, &o)); err != nil {
				return err
			}
			expired = true
		}
		done, err := s.orders.CancelTx(ctx, tx, &o, "payment_cancelled")
		if err != nil {
			return err
		}
		cancelled = done
		v.Order = &o
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadySettled) {
			log.Error("payment settled while cancelling, invoice already expired at provider",
				zap.Uint("payment_id", v.Payment.ID))
		}
		return nil, err
	}
	if expired {
		metrics.PaymentTransitions.WithLabelValues(sourceCancel, string(model.PaymentExpired)).Inc()
	}
	if cancelled {
		order.RecordTransition(model.OrderPendingPayment, model.OrderCancelled)
	}
	v.Payment.RawResponse = raw
	log.Info("payment cancelled", zap.Uint("payment_id", v.Payment.ID), zap.String("order_number", v.Order.OrderNo))
	return v, nil
}

// CancelOrder 用户取消订单：订单仍挂着未完成发票时先到网关作废，再走订单取消。
// 网关作废失败只记日志，订单照常取消；之后若仍收到成功回调，按需人工退款处理。
func (s *Service) CancelOrder(ctx context.Context, caller model.Caller, orderID uint) (*model.Order, error) {
	o, err := s.orders.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderPendingPayment {
		return nil, apperr.InvalidTransition("Cannot cancel order that is already paid or being processed")
	}
	if p := o.Payment; p != nil && !p.Status.Final() {
		if _, err := s.gateway.ExpireInvoice(ctx, p.PGTransactionID); err != nil {
			logging.FromContext(ctx, s.log).Warn("expire invoice on order cancel failed",
				zap.Uint("order_id", o.ID), zap.String("invoice_id", p.PGTransactionID), zap.Error(err))
		}
	}
	return s.orders.Cancel(ctx, caller, orderID)
}

type webhookPayload struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	PaidAt     string `json:"paid_at"`
}

// HandleWebhook 处理网关回调：校验 token → 解析 → 找支付 → 对账。
// 未知发票返回 NotFound 而不是内部错误，避免网关无限重试。
func (s *Service) HandleWebhook(ctx context.Context, provider, token string, body []byte) (*View, error) {
	log := logging.FromContext(ctx, s.log).With(zap.String("provider", provider))

	if provider != ProviderXendit {
		metrics.Webhooks.WithLabelValues("unknown", "not_found").Inc()
		return nil, apperr.NotFound("Webhook provider")
	}
	if s.opts.WebhookToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.WebhookToken)) != 1 {
		metrics.Webhooks.WithLabelValues(provider, "unauthorized").Inc()
		log.Warn("invalid webhook token received")
		return nil, apperr.New(apperr.KindUnauthorized, "Invalid webhook token")
	}

	log.Info("webhook received", zap.ByteString("payload", body))

	var in webhookPayload
	if err := json.Unmarshal(body, &in); err != nil {
		metrics.Webhooks.WithLabelValues(provider, "invalid").Inc()
		log.Warn("malformed webhook payload", zap.Error(err))
		return nil, apperr.InvalidPayload(map[string]string{"payload": "Malformed JSON payload"})
	}
	fields := map[string]string{}
	if strings.TrimSpace(in.ID) == "" {
		fields["id"] = "The id field is required"
	}
	if strings.TrimSpace(in.Status) == "" {
		fields["status"] = "The status field is required"
	}
	if len(fields) > 0 {
		metrics.Webhooks.WithLabelValues(provider, "invalid").Inc()
		log.Warn("webhook payload missing fields", zap.ByteString("payload", body))
		return nil, apperr.InvalidPayload(fields)
	}

	var p model.Payment
	err := s.uow.DB(ctx).Where("pg_transaction_id = ?", in.ID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.Webhooks.WithLabelValues(provider, "not_found").Inc()
			log.Warn("payment not found for invoice", zap.String("invoice_id", in.ID), zap.ByteString("payload", body))
			return nil, apperr.NotFound("Payment")
		}
		metrics.Webhooks.WithLabelValues(provider, "error").Inc()
		return nil, err
	}

	v, err := s.reconcile(ctx, p.ID, in.Status, parseTime(in.PaidAt), body, sourceWebhook)
	if err != nil {
		metrics.Webhooks.WithLabelValues(provider, "error").Inc()
		log.Error("webhook reconcile failed", zap.String("invoice_id", in.ID), zap.ByteString("payload", body), zap.Error(err))
		return nil, err
	}
	metrics.Webhooks.WithLabelValues(provider, "ok").Inc()
	return v, nil
}

// reconcile 把网关状态落到本地支付并联动订单，webhook 与主动查询共用。
// SUCCESS 之后的任何写入都是 no-op；其余情况后写覆盖前写。
func (s *Service) reconcile(ctx context.Context, paymentID uint, providerStatus string, paidAt *time.Time, raw []byte, source string) (*View, error) {
	log := logging.FromContext(ctx, s.log)
	mapped := MapProviderStatus(providerStatus)

	var (
		out     View
		changed bool
		orderTo model.OrderStatus
	)
	err := s.uow.Do(ctx, func(tx *gorm.DB) error {
		var p model.Payment
		if err := tx.First(&p, paymentID).Error; err != nil {
			return err
		}
		var o model.Order
		if err := tx.Preload("Items").First(&o, p.OrderID).Error; err != nil {
			return err
		}
		out = View{Payment: &p, Order: &o}

		if p.Status == model.PaymentSuccess {
			if mapped != model.PaymentSuccess {
				log.Warn("ignoring status after successful payment",
					zap.Uint("payment_id", p.ID), zap.String("provider_status", providerStatus), zap.String("source", source))
			}
			return nil
		}

		updates := map[string]any{"status": mapped, "raw_response": string(raw)}
		if mapped == model.PaymentSuccess {
			at := s.now()
			if paidAt != nil {
				at = *paidAt
			}
			updates["paid_at"] = at
			p.PaidAt = &at
		}
		res := tx.Model(&model.Payment{}).
			Where("id = ? AND status <> ?", p.ID, model.PaymentSuccess).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		previous := p.Status
		p.Status = mapped
		p.RawResponse = string(raw)
		if previous != mapped {
			changed = true
			if err := queue.Enqueue(tx, queue.PaymentEvent(queue.EventPaymentStatusChanged, &p, &o)); err != nil {
				return err
			}
		}

		switch mapped {
		case model.PaymentSuccess:
			paid, err := s.orders.MarkPaidTx(ctx, tx, &o)
			if err != nil {
				return err
			}
			if !paid && o.Status == model.OrderCancelled {
				log.Error("payment succeeded for cancelled order, manual refund required",
					zap.Uint("payment_id", p.ID), zap.String("order_number", o.OrderNo))
			}
			if paid {
				orderTo = model.OrderPaid
				log.Info("order payment successful", zap.String("order_number", o.OrderNo))
			}
		case model.PaymentFailed, model.PaymentExpired:
			reason := "payment_" + strings.ToLower(string(mapped))
			cancelled, err := s.orders.CancelTx(ctx, tx, &o, reason)
			if err != nil {
				return err
			}
			if cancelled {
				orderTo = model.OrderCancelled
				log.Info("order cancelled by payment status",
					zap.String("order_number", o.OrderNo), zap.String("status", string(mapped)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.PaymentTransitions.WithLabelValues(source, string(mapped)).Inc()
	}
	if orderTo != "" {
		order.RecordTransition(model.OrderPendingPayment, orderTo)
	}
	return &out, nil
}
