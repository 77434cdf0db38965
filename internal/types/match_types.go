package types

import "time"

// EmploymentType 表示岗位的用工类型
type EmploymentType string

const (
	// EmploymentFullTime 全职
	EmploymentFullTime EmploymentType = "full_time"
	// EmploymentPartTime 兼职
	EmploymentPartTime EmploymentType = "part_time"
	// EmploymentContract 合同工
	EmploymentContract EmploymentType = "contract"
	// EmploymentInternship 实习
	EmploymentInternship EmploymentType = "internship"
)

// ScoringMethod 表示一次排序最终采用的打分方式
type ScoringMethod string

const (
	// ScoringHybrid 语义分与规则分混合打分
	ScoringHybrid ScoringMethod = "hybrid"
	// ScoringClassical 仅规则分打分（语义通道不可用时的回退）
	ScoringClassical ScoringMethod = "classical"
)

// CandidateProfile 候选人画像，由上游解析服务产出后存入对象存储。
// 本服务只消费解析结果，不负责解析本身。
type CandidateProfile struct {
	ResumeID         string   `json:"resume_id"`                     // 简历唯一标识
	Headline         string   `json:"headline,omitempty"`            // 一句话头衔，如 "资深后端工程师"
	Skills           []string `json:"skills"`                        // 原始技能词列表（未规范化）
	YearsExperience  float64  `json:"years_experience"`              // 工作年限
	SalaryFloor      *int     `json:"salary_floor,omitempty"`        // 期望薪资下限（月薪），nil 表示未填写
	ProfileText      string   `json:"profile_text"`                  // 用于向量化的画像全文
	PreferredRemote  bool     `json:"preferred_remote,omitempty"`    // 是否偏好远程
	UpdatedAtUnixSec int64    `json:"updated_at_unix_sec,omitempty"` // 画像更新时间
}

// JobPosting 参与排序的岗位快照
type JobPosting struct {
	JobID          string         `json:"job_id"`                    // 岗位唯一标识
	Title          string         `json:"title"`                     // 岗位名称
	Description    string         `json:"description,omitempty"`     // 岗位描述全文
	Skills         []string       `json:"skills"`                    // 岗位技能要求（未规范化）
	MinYears       *float64       `json:"min_years,omitempty"`       // 最低年限要求，nil 表示未知
	MaxYears       *float64       `json:"max_years,omitempty"`       // 最高年限要求，nil 表示未知
	SalaryMin      *int           `json:"salary_min,omitempty"`      // 薪资下限（月薪）
	SalaryMax      *int           `json:"salary_max,omitempty"`      // 薪资上限（月薪）
	PostedAt       *time.Time     `json:"posted_at,omitempty"`       // 发布时间，nil 表示未知
	Remote         bool           `json:"remote"`                    // 是否远程岗位
	EmploymentType EmploymentType `json:"employment_type,omitempty"` // 用工类型
}

// RankOptions 控制一次 rankJobs 调用的行为
type RankOptions struct {
	Limit                int            `json:"limit"`                            // 返回的最大匹配数，默认 20
	MinCompositeScore    float64        `json:"min_composite_score"`              // 规则分过滤下限，默认 0
	IncludeRemote        *bool          `json:"include_remote,omitempty"`         // 是否纳入远程岗位，默认 true
	EmploymentTypeFilter EmploymentType `json:"employment_type_filter,omitempty"` // 用工类型过滤，空为不过滤
	UseSemanticScoring   *bool          `json:"use_semantic_scoring,omitempty"`   // 是否启用语义打分，默认 true
	GenerateRationale    bool           `json:"generate_rationale"`               // 是否为结果生成匹配理由
}

// DefaultRankLimit rankJobs 的默认返回条数
const DefaultRankLimit = 20

// Normalize 填充未指定选项的默认值，返回规整后的副本。
func (o RankOptions) Normalize() RankOptions {
	out := o
	if out.Limit <= 0 {
		out.Limit = DefaultRankLimit
	}
	if out.MinCompositeScore < 0 {
		out.MinCompositeScore = 0
	}
	if out.IncludeRemote == nil {
		t := true
		out.IncludeRemote = &t
	}
	if out.UseSemanticScoring == nil {
		t := true
		out.UseSemanticScoring = &t
	}
	return out
}

// ScoreBreakdown 规则打分的分项明细，各分项与总分均落在 [0, 100]。
type ScoreBreakdown struct {
	SkillsScore     float64  `json:"skills_score"`     // 技能重合度分项（权重 0.60）
	ExperienceScore float64  `json:"experience_score"` // 年限匹配分项（权重 0.20）
	RecencyScore    float64  `json:"recency_score"`    // 岗位新鲜度分项（权重 0.10）
	SalaryScore     float64  `json:"salary_score"`     // 薪资匹配分项（权重 0.10）
	Total           float64  `json:"total"`            // 加权总分
	MatchedSkills   []string `json:"matched_skills"`   // 命中的规范化技能，字典序
	MissingSkills   []string `json:"missing_skills"`   // 缺失的规范化技能，字典序，最多 20 条
}

// MatchResult 单个岗位的打分结果
type MatchResult struct {
	Job             JobPosting     `json:"job"`                        // 岗位快照
	Composite       ScoreBreakdown `json:"composite"`                  // 规则分明细
	SemanticScore   *float64       `json:"semantic_score,omitempty"`   // 语义相似度 [0,1]，nil 表示该岗位无语义分
	SimilarityLabel string         `json:"similarity_label,omitempty"` // 相似度档位描述
	Confidence      string         `json:"confidence,omitempty"`       // 档位置信度
	BlendedScore    float64        `json:"blended_score"`              // 最终混合分 [0,100]
}

// Rationale 为单个匹配生成的推荐理由
type Rationale struct {
	Headline  string   `json:"headline"`  // 一句话结论，不超过 120 字符
	Strengths []string `json:"strengths"` // 匹配亮点，最多 5 条
	Gaps      []string `json:"gaps"`      // 潜在差距，最多 5 条
	Advice    string   `json:"advice"`    // 一段申请建议
}

// EnrichedMatch 附带可选推荐理由的最终匹配条目。
// 理由生成是尽力而为：Rationale 为 nil 不影响条目本身。
type EnrichedMatch struct {
	MatchResult
	Rationale       *Rationale `json:"rationale,omitempty"`
	RationaleSource string     `json:"rationale_source,omitempty"` // 产生理由的提供方名称，或 "cache"
}

// RankMetadata rankJobs 响应的元信息，任何情况下都会返回。
type RankMetadata struct {
	ScoringMethod     ScoringMethod `json:"scoring_method"`      // 本次实际采用的打分方式
	TotalEvaluated    int           `json:"total_evaluated"`     // 截断前参与打分的岗位数
	ProcessingTimeMs  int64         `json:"processing_time_ms"`  // 本次调用耗时
	ProviderCallCount int64         `json:"provider_call_count"` // 理由生成期间发起的模型调用数
	Message           string        `json:"message,omitempty"`   // 人类可读提示，如候选集为空的说明
}

// RankResponse rankJobs 的完整响应
type RankResponse struct {
	Matches  []EnrichedMatch `json:"matches"`
	Metadata RankMetadata    `json:"metadata"`
}
