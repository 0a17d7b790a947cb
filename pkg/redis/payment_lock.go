package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseLockIfMatch 仅当锁值匹配 token 时才删除，避免误删其他请求的锁。
const luaReleaseLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquirePaymentLock 尝试持有订单建票锁。ttl 应覆盖一次网关调用的超时。
func AcquirePaymentLock(ctx context.Context, rdb *rd.Client, orderID uint, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, PaymentLockKey(orderID), token, ttl).Result()
}

// ReleasePaymentLock 安全释放订单建票锁。
func ReleasePaymentLock(ctx context.Context, rdb *rd.Client, orderID uint, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseLockIfMatch, []string{PaymentLockKey(orderID)}, token).Int()
	return err
}
