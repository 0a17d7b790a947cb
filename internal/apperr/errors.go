package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 区分业务错误类别，HTTP 层据此映射状态码。
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindInsufficientStock Kind = "insufficient_stock"
	KindDuplicatePayment  Kind = "duplicate_payment"
	KindAlreadySettled    Kind = "already_settled"
	KindUnauthorized      Kind = "unauthorized"
	KindGateway           Kind = "gateway_error"
	KindConflict          Kind = "conflict"
	KindInvalidPayload    Kind = "invalid_payload"
	KindInternal          Kind = "internal"
)

var kindCodes = map[Kind]int{
	KindValidation:        http.StatusUnprocessableEntity,
	KindNotFound:          http.StatusNotFound,
	KindInvalidTransition: http.StatusBadRequest,
	KindInsufficientStock: http.StatusBadRequest,
	KindDuplicatePayment:  http.StatusBadRequest,
	KindAlreadySettled:    http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindGateway:           http.StatusInternalServerError,
	KindConflict:          http.StatusConflict,
	KindInvalidPayload:    http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
}

// Error represents an application error
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Data 随错误一起返回给调用方，例如重复支付时已有支付的 id/status。
	Data any
	// Fields 字段级校验错误。
	Fields map[string]string
	// Retryable 仅对网关错误有意义：超时/连接失败可以重试。
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，errors.Is(err, apperr.ErrNotFound) 对任意 not_found 错误成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Code 对应的 HTTP 状态码。
func (e *Error) Code() int {
	if c, ok := kindCodes[e.Kind]; ok {
		return c
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels，只用于 errors.Is 比较，不要修改其字段。
var (
	ErrValidation        = New(KindValidation, "Validation Error")
	ErrNotFound          = New(KindNotFound, "Resource not found")
	ErrInvalidTransition = New(KindInvalidTransition, "Invalid state transition")
	ErrInsufficientStock = New(KindInsufficientStock, "Insufficient stock")
	ErrDuplicatePayment  = New(KindDuplicatePayment, "Order already has payment")
	ErrAlreadySettled    = New(KindAlreadySettled, "Payment already settled")
	ErrUnauthorized      = New(KindUnauthorized, "Unauthorized")
	ErrGateway           = New(KindGateway, "Payment gateway error")
	ErrConflict          = New(KindConflict, "Conflict")
	ErrInvalidPayload    = New(KindInvalidPayload, "Invalid payload")
)

func NotFound(what string) *Error {
	return New(KindNotFound, what+" not found")
}

func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "Validation Error", Fields: fields}
}

func InvalidTransition(message string) *Error {
	return New(KindInvalidTransition, message)
}

// InsufficientStock 携带商品名与可用库存，便于前端提示。
func InsufficientStock(productID uint, productName string, available int64, requested int) *Error {
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("Product '%s' only has %d items in stock", productName, available),
		Data: map[string]any{
			"product_id":   productID,
			"product_name": productName,
			"available":    available,
			"requested":    requested,
		},
	}
}

// InvalidPayload 回调内容无法解析或缺字段。回调方只认 200/401/404/500，按 500 返回。
func InvalidPayload(fields map[string]string) *Error {
	return &Error{Kind: KindInvalidPayload, Message: "Invalid webhook payload", Fields: fields}
}

func Gateway(message string, err error, retryable bool) *Error {
	return &Error{Kind: KindGateway, Message: message, Err: err, Retryable: retryable}
}

// As 取出链上的 *Error；非业务错误统一视为 internal。
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "Internal Server Error", err)
}
