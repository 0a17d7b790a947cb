package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront/internal/metrics"
	"storefront/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher 是 Relay 的下游，生产环境为 Kafka Producer。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Relay 将 outbox 表中的事件异步转发到 Kafka。
// 语义：发布成功后才标记 published，失败则保留等待下一轮重试。
type Relay struct {
	db        *gorm.DB
	publisher Publisher
	log       *zap.Logger

	poll  time.Duration
	batch int
}

func NewRelay(db *gorm.DB, publisher Publisher, poll time.Duration, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		log:       log.With(zap.String("component", "outbox_relay")),
		poll:      poll,
		batch:     16,
	}
}

func (r *Relay) Run(ctx context.Context) {
	r.log.Info("outbox relay started")
	for {
		if ctx.Err() != nil {
			r.log.Info("outbox relay stopped")
			return
		}

		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("outbox relay batch failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			// 还有积压，立刻处理下一批
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-time.After(r.poll):
		}
	}
}

// RelayOnce 处理一批待投递事件，返回成功投递条数。
// 某条发布失败时停止本批，保证同一订单的事件不乱序。
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var rows []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id ASC").
		Limit(r.batch).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	sent := 0
	for i := range rows {
		row := &rows[i]

		if err := validatePayload(row.Payload); err != nil {
			// 脏消息直接标记为已处理，避免阻塞队列。
			r.log.Error("drop invalid outbox event", zap.Uint("id", row.ID), zap.Error(err))
			if markErr := r.markPublished(ctx, row, err.Error()); markErr != nil {
				return sent, markErr
			}
			metrics.OutboxPublished.WithLabelValues("dropped").Inc()
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.publisher.Publish(pubCtx, Message{
			Key:     row.Key,
			Type:    row.Type,
			EventID: row.EventID,
			Value:   []byte(row.Payload),
		})
		cancel()
		if err != nil {
			metrics.OutboxPublished.WithLabelValues("failed").Inc()
			uerr := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
				Where("id = ?", row.ID).
				Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": truncate(err.Error(), 255),
				}).Error
			if uerr != nil {
				r.log.Warn("record outbox attempt failed", zap.Uint("id", row.ID), zap.Error(uerr))
			}
			return sent, fmt.Errorf("publish outbox event %s: %w", row.EventID, err)
		}

		if err := r.markPublished(ctx, row, ""); err != nil {
			return sent, err
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		sent++
	}
	return sent, nil
}

func (r *Relay) markPublished(ctx context.Context, row *model.OutboxEvent, lastErr string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"published_at": &now,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   truncate(lastErr, 255),
		}).Error
}

func validatePayload(payload string) error {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return e.Validate()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
