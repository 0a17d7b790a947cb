package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// idemPending 表示首个请求仍在处理中。
const idemPending = "pending"

// luaReleaseIfPending 只删除处理中的占位，已记录结果的键保持不动。
const luaReleaseIfPending = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// IdempotencyState 描述一个幂等键当前的占用情况。
type IdempotencyState struct {
	// Claimed 为 true 表示本次请求拿到了键，应当继续执行下单。
	Claimed bool
	// InFlight 表示同键的请求尚未完成。
	InFlight bool
	// OrderID 同键请求已成功时的订单 id。
	OrderID uint
}

// ClaimIdempotency 用 SETNX 占位；已存在时返回首个请求的结果。
// pendingTTL 只约束处理中的占位，应远小于结果的保留时间：
// 请求中途崩溃时，占位到期后客户端即可用同一个键重试。
func ClaimIdempotency(ctx context.Context, rdb *rd.Client, userID uint, idemKey string, pendingTTL time.Duration) (IdempotencyState, error) {
	key := IdempotencyKey(userID, idemKey)
	ok, err := rdb.SetNX(ctx, key, idemPending, pendingTTL).Result()
	if err != nil {
		return IdempotencyState{}, err
	}
	if ok {
		return IdempotencyState{Claimed: true}, nil
	}

	v, err := rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			// 刚好过期，按首个请求处理
			return ClaimIdempotency(ctx, rdb, userID, idemKey, pendingTTL)
		}
		return IdempotencyState{}, err
	}
	if v == idemPending {
		return IdempotencyState{InFlight: true}, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return IdempotencyState{}, err
	}
	return IdempotencyState{OrderID: uint(id)}, nil
}

// CompleteIdempotency 下单成功后记录订单 id，TTL 延长到结果保留时间。
func CompleteIdempotency(ctx context.Context, rdb *rd.Client, userID uint, idemKey string, orderID uint, ttl time.Duration) error {
	return rdb.Set(ctx, IdempotencyKey(userID, idemKey), strconv.FormatUint(uint64(orderID), 10), ttl).Err()
}

// ReleaseIdempotency 下单失败时删除占位，允许客户端用同一个键重试。
func ReleaseIdempotency(ctx context.Context, rdb *rd.Client, userID uint, idemKey string) error {
	return rdb.Eval(ctx, luaReleaseIfPending, []string{IdempotencyKey(userID, idemKey)}, idemPending).Err()
}
