package model

// OrderStatus 订单状态机：
// PENDING_PAYMENT -> PAID -> PROCESSING -> SHIPPED -> DELIVERED，
// CANCELLED 只能从 PENDING_PAYMENT 进入。DELIVERED/CANCELLED 为终态。
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderPaid           OrderStatus = "PAID"
	OrderProcessing     OrderStatus = "PROCESSING"
	OrderShipped        OrderStatus = "SHIPPED"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingPayment: {OrderPaid, OrderCancelled},
	OrderPaid:           {OrderProcessing},
	OrderProcessing:     {OrderShipped},
	OrderShipped:        {OrderDelivered},
}

// Valid 是否为已知状态。
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPendingPayment, OrderPaid, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsAdminTransition 管理端只能推进履约阶段；付款与取消走各自的流程。
func IsAdminTransition(from, to OrderStatus) bool {
	if from == OrderPendingPayment {
		return false
	}
	return CanTransition(from, to)
}

// PaymentStatus 本地支付状态。
type PaymentStatus string

const (
	PaymentCreated PaymentStatus = "CREATED"
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentExpired PaymentStatus = "EXPIRED"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Final 是否已无后续迁移。SUCCESS 之后的任何写入都应当是 no-op。
func (s PaymentStatus) Final() bool {
	return s == PaymentSuccess || s == PaymentExpired || s == PaymentFailed
}

// PaymentMethod 发票允许的支付渠道。
type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodBCA        PaymentMethod = "BCA"
	MethodBNI        PaymentMethod = "BNI"
	MethodMandiri    PaymentMethod = "MANDIRI"
	MethodPermata    PaymentMethod = "PERMATA"
	MethodBRI        PaymentMethod = "BRI"
	MethodOVO        PaymentMethod = "OVO"
	MethodDana       PaymentMethod = "DANA"
	MethodLinkAja    PaymentMethod = "LINKAJA"
	MethodQRIS       PaymentMethod = "QRIS"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodBCA, MethodBNI, MethodMandiri, MethodPermata,
		MethodBRI, MethodOVO, MethodDana, MethodLinkAja, MethodQRIS:
		return true
	}
	return false
}
