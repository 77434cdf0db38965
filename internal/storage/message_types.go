package storage

import "time"

// EventTypeMatchCompleted 匹配完成事件类型，写入outbox的event_type列
const EventTypeMatchCompleted = "match.completed"

// MatchCompletedMessage 匹配完成事件
// 通过outbox中继发布到match.events交换机，供下游（通知、画像回流等）消费。
type MatchCompletedMessage struct {
	// 与match_records表字段一致的主要字段
	ResumeID       string   `json:"resume_id"`                 // 简历唯一标识
	ScoringMethod  string   `json:"scoring_method"`            // 本次排序采用的打分方式 hybrid/classical
	TopJobIDs      []string `json:"top_job_ids"`               // 按混合分降序的岗位ID列表
	MatchCount     int      `json:"match_count"`               // 截断后的匹配条数
	TotalEvaluated int      `json:"total_evaluated"`           // 截断前参与打分的岗位数
	RationaleCount int      `json:"rationale_count,omitempty"` // 成功生成推荐理由的条数

	// 辅助字段
	RankedAt  time.Time `json:"ranked_at"`            // 排序完成时间
	RequestID string    `json:"request_id,omitempty"` // 触发本次排序的请求标识
}
