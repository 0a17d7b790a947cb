package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/database"
	"storefront/internal/inventory"
	"storefront/internal/model"
	"storefront/internal/order"
	"storefront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const webhookToken = "cb-token"

type fixture struct {
	db      *gorm.DB
	gw      *fakeGateway
	orders  *order.Service
	svc     *Service
	buyer   model.Caller
	product *model.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	uow := database.NewUnitOfWork(db)
	orders := order.NewService(uow, inventory.NewLedger(), nil)
	gw := newFakeGateway()
	svc := NewService(uow, orders, gw, nil, Options{
		Currency:        "IDR",
		InvoiceDuration: 24 * time.Hour,
		AppURL:          "https://shop.example.com",
		WebhookToken:    webhookToken,
	}, nil)

	u := testutil.CreateUser(t, db, "buyer@example.com")
	return &fixture{
		db:      db,
		gw:      gw,
		orders:  orders,
		svc:     svc,
		buyer:   model.Caller{UserID: u.ID},
		product: testutil.CreateProduct(t, db, "Kopi Gayo", "50000", 10),
	}
}

func (f *fixture) checkout(t *testing.T, qty int) *model.Order {
	t.Helper()
	o, err := f.orders.Checkout(context.Background(), f.buyer, order.CheckoutInput{
		ShippingAddress: "Jl. Thamrin 10, Jakarta",
		Items:           []order.CheckoutItem{{ProductID: f.product.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) stock(t *testing.T) int64 {
	t.Helper()
	var p model.Product
	require.NoError(t, f.db.First(&p, f.product.ID).Error)
	return p.Stock
}

func (f *fixture) reload(t *testing.T, paymentID uint) (model.Payment, model.Order) {
	t.Helper()
	var p model.Payment
	require.NoError(t, f.db.First(&p, paymentID).Error)
	var o model.Order
	require.NoError(t, f.db.First(&o, p.OrderID).Error)
	return p, o
}

func webhookBody(id, status string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"external_id":"INV-x","status":%q,"paid_at":"2026-03-09T10:00:00.000Z"}`, id, status))
}

func TestCreate_OpensInvoiceThenPersists(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 2)

	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	assert.Equal(t, model.PaymentPending, res.Payment.Status)
	assert.Equal(t, "inv_1", res.Payment.PGTransactionID)
	assert.Equal(t, o.OrderNo, res.OrderNo)
	assert.True(t, strings.HasPrefix(res.ExternalID, "INV-"+o.OrderNo+"-"))
	assert.NotEmpty(t, res.InvoiceURL)
	assert.True(t, o.TotalAmount.Equal(res.Payment.Amount))

	require.Len(t, f.gw.requests, 1)
	req := f.gw.requests[0]
	assert.Equal(t, "IDR", req.Currency)
	assert.Equal(t, 24*time.Hour, req.Duration)
	assert.Equal(t, "buyer@example.com", req.PayerEmail)
	assert.Equal(t, []string{"BCA"}, req.PaymentMethods)
	assert.Equal(t, "https://shop.example.com/payment/success", req.SuccessRedirectURL)
	assert.Equal(t, "https://shop.example.com/payment/failed", req.FailureRedirectURL)
	require.Len(t, req.Items, 1)
	assert.Equal(t, "Kopi Gayo", req.Items[0].Name)
	assert.Equal(t, 2, req.Items[0].Quantity)

	_, got := f.reload(t, res.Payment.ID)
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, "BCA", *got.PaymentMethod)
}

func TestCreate_SecondAttemptReturnsExisting(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)

	first, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodOVO)
	require.Error(t, err)
	e := apperr.As(err)
	assert.Equal(t, apperr.KindDuplicatePayment, e.Kind)
	data := e.Data.(map[string]any)
	assert.Equal(t, first.Payment.ID, data["payment_id"])
	assert.Equal(t, model.PaymentPending, data["status"])

	var n int64
	require.NoError(t, f.db.Model(&model.Payment{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Len(t, f.gw.requests, 1)
}

func TestCreate_GatewayFailureLeavesNoPayment(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)
	f.gw.createErr = apperr.Gateway("Payment gateway timed out", errors.New("deadline"), true)

	_, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodQRIS)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrGateway)
	assert.True(t, apperr.As(err).Retryable)

	var n int64
	require.NoError(t, f.db.Model(&model.Payment{}).Count(&n).Error)
	assert.Zero(t, n)
	got, err := f.orders.Get(context.Background(), f.buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPendingPayment, got.Status)
	assert.Nil(t, got.PaymentMethod)
}

func TestCreate_Preconditions(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)

	_, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.PaymentMethod("BITCOIN"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stranger := testutil.CreateUser(t, f.db, "stranger@example.com")
	_, err = f.svc.Create(context.Background(), model.Caller{UserID: stranger.ID}, o.ID, model.MethodBCA)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.orders.Cancel(context.Background(), f.buyer, o.ID)
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Empty(t, f.gw.requests)
}

func TestWebhook_PaidThenFailedStaysSuccess(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 3)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_1", "PAID"))
	require.NoError(t, err)

	p, ord := f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, 2026, p.PaidAt.Year())
	assert.Contains(t, p.RawResponse, `"PAID"`)
	assert.Equal(t, model.OrderPaid, ord.Status)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_1", "FAILED"))
	require.NoError(t, err)

	p, ord = f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	assert.NotNil(t, p.PaidAt)
	assert.Equal(t, model.OrderPaid, ord.Status)
	assert.Equal(t, int64(7), f.stock(t))
}

func TestWebhook_ExpiredCancelsOrderAndReleasesStockOnce(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 4)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBNI)
	require.NoError(t, err)
	require.Equal(t, int64(6), f.stock(t))

	for i := 0; i < 2; i++ {
		_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_1", "EXPIRED"))
		require.NoError(t, err)
	}

	p, ord := f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentExpired, p.Status)
	assert.Nil(t, p.PaidAt)
	assert.Equal(t, model.OrderCancelled, ord.Status)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestWebhook_Rejections(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, "wrong", webhookBody("inv_1", "PAID"))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	p, _ := f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentPending, p.Status)

	_, err = f.svc.HandleWebhook(context.Background(), "stripe", webhookToken, webhookBody("inv_1", "PAID"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_404", "PAID"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, []byte(`{"id":`))
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, []byte(`{"id":"inv_1"}`))
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
	assert.Contains(t, apperr.As(err).Fields, "status")

	p, _ = f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentPending, p.Status)
}

func TestWebhook_SuccessAfterCancelKeepsOrderCancelled(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 2)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)
	_, err = f.orders.Cancel(context.Background(), f.buyer, o.ID)
	require.NoError(t, err)

	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_1", "SETTLED"))
	require.NoError(t, err)

	p, ord := f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentSuccess, p.Status)
	assert.Equal(t, model.OrderCancelled, ord.Status)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestGet_PullsProviderStatus(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	v, err := f.svc.Get(context.Background(), f.buyer, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, v.Payment.Status)

	f.gw.setStatus("inv_1", "PAID")
	v, err = f.svc.Get(context.Background(), f.buyer, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, v.Payment.Status)
	assert.NotNil(t, v.Payment.PaidAt)
	assert.Equal(t, model.OrderPaid, v.Order.Status)

	// 已成功后不再回源，网关侧的陈旧状态不会覆盖
	f.gw.setStatus("inv_1", "EXPIRED")
	f.gw.getErr = errors.New("must not be called")
	v, err = f.svc.Get(context.Background(), f.buyer, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, v.Payment.Status)

	stranger := testutil.CreateUser(t, f.db, "stranger@example.com")
	_, err = f.svc.Get(context.Background(), model.Caller{UserID: stranger.ID}, res.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGet_GatewayErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	f.gw.getErr = apperr.Gateway("Payment gateway unreachable", errors.New("dial"), true)
	_, err = f.svc.Get(context.Background(), f.buyer, res.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrGateway)
}

func TestCancel_ExpiresInvoiceAndReleasesStock(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 5)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodMandiri)
	require.NoError(t, err)

	v, err := f.svc.Cancel(context.Background(), f.buyer, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentExpired, v.Payment.Status)
	assert.Equal(t, model.OrderCancelled, v.Order.Status)
	assert.Equal(t, []string{"inv_1"}, f.gw.expired)
	assert.Equal(t, int64(10), f.stock(t))

	// 再次取消：已是终态，不再调网关，库存不重复回补
	_, err = f.svc.Cancel(context.Background(), f.buyer, res.Payment.ID)
	require.NoError(t, err)
	assert.Len(t, f.gw.expired, 1)
	assert.Equal(t, int64(10), f.stock(t))
}

func TestCancel_SettledPaymentRejected(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 1)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)
	_, err = f.svc.HandleWebhook(context.Background(), ProviderXendit, webhookToken, webhookBody("inv_1", "PAID"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), f.buyer, res.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadySettled)
	assert.Empty(t, f.gw.expired)
}

func TestCancel_GatewayFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 2)
	res, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)
	f.gw.expireErr = apperr.Gateway("Payment gateway unreachable", errors.New("dial"), true)

	_, err = f.svc.Cancel(context.Background(), f.buyer, res.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrGateway)

	p, ord := f.reload(t, res.Payment.ID)
	assert.Equal(t, model.PaymentPending, p.Status)
	assert.Equal(t, model.OrderPendingPayment, ord.Status)
	assert.Equal(t, int64(8), f.stock(t))
}

func TestCancelOrder_ExpiresOpenInvoice(t *testing.T) {
	f := newFixture(t)
	o := f.checkout(t, 2)
	_, err := f.svc.Create(context.Background(), f.buyer, o.ID, model.MethodBCA)
	require.NoError(t, err)

	got, err := f.svc.CancelOrder(context.Background(), f.buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	require.NotNil(t, got.Payment)
	assert.Equal(t, model.PaymentExpired, got.Payment.Status)
	assert.Equal(t, []string{"inv_1"}, f.gw.expired)
	assert.Equal(t, int64(10), f.stock(t))

	_, err = f.svc.CancelOrder(context.Background(), f.buyer, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestList_ScopedToCaller(t *testing.T) {
	f := newFixture(t)
	o1 := f.checkout(t, 1)
	o2 := f.checkout(t, 1)
	_, err := f.svc.Create(context.Background(), f.buyer, o1.ID, model.MethodBCA)
	require.NoError(t, err)
	second, err := f.svc.Create(context.Background(), f.buyer, o2.ID, model.MethodOVO)
	require.NoError(t, err)

	list, err := f.svc.List(context.Background(), f.buyer)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.Payment.ID, list[0].ID)

	stranger := testutil.CreateUser(t, f.db, "stranger@example.com")
	list, err = f.svc.List(context.Background(), model.Caller{UserID: stranger.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}
