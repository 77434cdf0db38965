package models

import "time"

// 发件箱消息的投递状态
const (
	OutboxStatusPending = "PENDING" // 等待投递
	OutboxStatusSent    = "SENT"    // 已投递
	OutboxStatusFailed  = "FAILED"  // 重试次数耗尽
)

// OutboxMessage 事务发件箱的一行，与 match_records 在同一事务内写入，
// 保证排序结果与匹配完成事件不会出现一方成功一方丢失。
type OutboxMessage struct {
	ID               uint64     `gorm:"primaryKey;autoIncrement"`
	AggregateID      string     `gorm:"type:char(36);not null;index"`
	EventType        string     `gorm:"size:255;not null"`
	Payload          string     `gorm:"type:json;not null"` // 序列化后的事件体
	TargetExchange   string     `gorm:"size:255;not null"`
	TargetRoutingKey string     `gorm:"size:255;not null"`
	Status           string     `gorm:"size:20;default:'PENDING';not null;index:idx_outbox_status_created_at"`
	RetryCount       int        `gorm:"default:0"`
	CreatedAt        time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_outbox_status_created_at,sort:asc"`
	ProcessedAt      *time.Time `gorm:"type:datetime(6);null"`
	ErrorMessage     string     `gorm:"type:text"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
