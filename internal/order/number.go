package order

import (
	"crypto/rand"
	"math/big"
	"time"
)

const orderNoAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewOrderNumber 生成 ORD-YYYYMMDD-XXXXXX；唯一性由 order_number 唯一索引兜底，冲突时重试。
func NewOrderNumber(now time.Time) (string, error) {
	suffix := make([]byte, 6)
	max := big.NewInt(int64(len(orderNoAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		suffix[i] = orderNoAlphabet[n.Int64()]
	}
	return "ORD-" + now.Format("20060102") + "-" + string(suffix), nil
}
