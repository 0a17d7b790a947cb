package redis

import "fmt"

// RateLimitKey 限流 key：按接口范围 + 用户，未认证时由调用方传 IP。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("storefront:rate_limit:%s:%s", scope, subject)
}

// IdempotencyKey 将客户端 Idempotency-Key 映射到创建出的订单。
func IdempotencyKey(userID uint, idemKey string) string {
	return fmt.Sprintf("storefront:idem:checkout:%d:%s", userID, idemKey)
}

// PaymentLockKey 同一订单同一时刻只允许一个建票请求。
func PaymentLockKey(orderID uint) string {
	return fmt.Sprintf("storefront:payment:lock:%d", orderID)
}
