package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message 是 outbox 行投递到 broker 的形态。
type Message struct {
	Key     string
	Type    string
	EventID string
	Value   []byte
}

// Producer 把 outbox 事件写入 Kafka。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者：
// - Hash + 订单号作 key：同一订单的事件进同一分区，消费端按序看到状态变化。
// - RequireAll：等 ISR 全部确认才算发布成功，Relay 才会标记 published。
// - MaxAttempts 之后的失败交回 Relay，下一轮重投。
func NewProducer(brokers []string, topic string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	errLog := log.With(zap.String("component", "kafka_writer")).Sugar()
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            3,
			WriteTimeout:           5 * time.Second,
			ReadTimeout:            5 * time.Second,
			BatchTimeout:           20 * time.Millisecond,
			AllowAutoTopicCreation: true,
			ErrorLogger:            kafka.LoggerFunc(errLog.Errorf),
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条事件，类型与事件 id 放在 header 里，消费端可据此去重。
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.Type)},
			{Key: "event_id", Value: []byte(msg.EventID)},
		},
	})
}
