package outbox

import (
	"context"
	"log"
	"time"

	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// EventPublisher 中继投递事件所需的最小发布接口。
type EventPublisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// MessageRelay 轮询 outbox_messages 表并把匹配事件发布到消息代理。
// 事件行与匹配记录在同一事务中落库，中继只负责投递，保证排序结果
// 与事件最终一致。
type MessageRelay struct {
	db              *gorm.DB
	publisher       EventPublisher
	logger          *log.Logger
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	tracer          trace.Tracer
}

// RelayOption 调整中继的轮询行为。
type RelayOption func(*MessageRelay)

// WithPollingInterval 设置轮询间隔，非正值忽略。
func WithPollingInterval(interval time.Duration) RelayOption {
	return func(r *MessageRelay) {
		if interval > 0 {
			r.pollingInterval = interval
		}
	}
}

// WithBatchSize 设置单轮最多处理的消息条数，非正值忽略。
func WithBatchSize(size int) RelayOption {
	return func(r *MessageRelay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// NewMessageRelay 组装消息中继，默认5秒一轮、每轮10条。
func NewMessageRelay(db *gorm.DB, publisher EventPublisher, logger *log.Logger, options ...RelayOption) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		logger:          logger,
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("match-engine-go/outbox"),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Start 启动后台轮询循环。
func (r *MessageRelay) Start() {
	r.logger.Printf("消息中继启动，轮询间隔%s，单轮%d条", r.pollingInterval, r.batchSize)
	go r.loop()
}

// Stop 通知轮询循环退出。
func (r *MessageRelay) Stop() {
	r.logger.Println("消息中继停止中...")
	close(r.done)
}

func (r *MessageRelay) loop() {
	ticker := time.NewTicker(r.pollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			r.logger.Println("消息中继已退出")
			return
		case <-ticker.C:
			if err := r.processPendingMessages(context.Background()); err != nil {
				r.logger.Printf("处理待投递消息失败: %v", err)
			}
		}
	}
}

// processPendingMessages 取一批PENDING消息投递并写回状态，整批在一个事务里完成。
func (r *MessageRelay) processPendingMessages(ctx context.Context) error {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer tx.Rollback()

	// FOR UPDATE SKIP LOCKED 让多实例可以并行消费同一张表：
	// 已被其他事务锁住的行直接跳过，不会重复投递。
	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", models.OutboxStatusPending).
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		r.logger.Printf("拉取待投递消息失败: %v", err)
		return err
	}

	// 空轮询不创建追踪Span，避免噪音。
	if len(messages) == 0 {
		return tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
		),
	)
	defer span.End()

	r.logger.Printf("拉取到%d条待投递消息", len(messages))

	for i := range messages {
		// 写回失败回滚整批，消息保持PENDING留给下一轮重新拾取
		if err := r.deliverOne(ctx, tx, span, &messages[i]); err != nil {
			return err
		}
	}

	return tx.Commit().Error
}

// deliverOne 投递单条消息并在同一事务里写回状态。
// 投递失败只累加重试计数，不中断本批；写库失败才向上返回。
func (r *MessageRelay) deliverOne(ctx context.Context, tx *gorm.DB, span trace.Span, msg *models.OutboxMessage) error {
	err := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
	if err != nil {
		r.logger.Printf("投递消息失败 ID=%d aggregate=%s 第%d次重试: %v", msg.ID, msg.AggregateID, msg.RetryCount+1, err)
		tracing.RecordErrorWithInfo(span, err, tracing.ErrorTypeRabbitMQ,
			attribute.String("messaging.aggregate_id", msg.AggregateID),
			attribute.String("messaging.event_type", msg.EventType),
		)
		msg.RetryCount++
		msg.ErrorMessage = err.Error()
		if msg.RetryCount >= maxRetryCount {
			msg.Status = models.OutboxStatusFailed
		}
	} else {
		msg.Status = models.OutboxStatusSent
		now := time.Now()
		msg.ProcessedAt = &now
		msg.ErrorMessage = ""
	}

	if err := tx.Save(msg).Error; err != nil {
		r.logger.Printf("更新发件箱消息 %d 状态失败: %v", msg.ID, err)
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return err
	}
	return nil
}
