package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Job 岗位目录表，排序候选集的来源。
// 目录由上游岗位接入服务维护，本服务只读。
type Job struct {
	JobID          string         `gorm:"type:char(36);primaryKey"`
	Title          string         `gorm:"size:255;not null"`
	Description    string         `gorm:"type:text"`
	SkillsJSON     datatypes.JSON `gorm:"type:json"` // 技能要求，字符串数组
	MinYears       *float64       `gorm:"type:float"`
	MaxYears       *float64       `gorm:"type:float"`
	SalaryMin      *int           `gorm:"type:int"`
	SalaryMax      *int           `gorm:"type:int"`
	PostedAt       *time.Time     `gorm:"type:datetime(6);index:idx_jobs_posted_at"`
	Remote         bool           `gorm:"default:false;index:idx_jobs_remote"`
	EmploymentType string         `gorm:"size:50;index:idx_jobs_employment_type"`
	Status         string         `gorm:"size:50;default:'ACTIVE';index:idx_jobs_status"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt      time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobVector 岗位描述文本的向量行，由岗位接入侧在目录更新时写入。
type JobVector struct {
	JobID        string    `gorm:"type:char(36);primaryKey"`
	Embedding    []byte    `gorm:"type:mediumblob;not null"` // JSON序列化的float64数组
	ModelVersion string    `gorm:"size:100;not null"`
	CreatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	Job          Job       `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (JobVector) TableName() string {
	return "job_vectors"
}

// MatchRecord 单次排序落库的匹配明细，(resume_id, job_id) 唯一。
// 分项明细与推荐理由以JSON列保存，供历史查询与缓存回填还原完整响应。
type MatchRecord struct {
	MatchID         uint64         `gorm:"primaryKey;autoIncrement"`
	ResumeID        string         `gorm:"type:char(36);not null;index:idx_mr_resume_id_blended,priority:1;uniqueIndex:idx_mr_resume_job_unique,priority:1"`
	JobID           string         `gorm:"type:char(36);not null;uniqueIndex:idx_mr_resume_job_unique,priority:2"`
	BlendedScore    float64        `gorm:"type:float;index:idx_mr_resume_id_blended,priority:2"`
	CompositeScore  float64        `gorm:"type:float"`
	SemanticScore   *float64       `gorm:"type:float"`
	SimilarityLabel string         `gorm:"size:50"`
	Confidence      string         `gorm:"size:20"`
	ScoringMethod   string         `gorm:"size:20;not null"`
	BreakdownJSON   datatypes.JSON `gorm:"type:json"`
	RationaleJSON   datatypes.JSON `gorm:"type:json"`
	RationaleSource string         `gorm:"size:50"`
	CreatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime;index:idx_mr_updated_at"`

	Job *Job `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (MatchRecord) TableName() string {
	return "match_records"
}

// ValueToJSON 把任意值序列化成JSON列的存储形式
func ValueToJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	return datatypes.JSON(b), err
}
