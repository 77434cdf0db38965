package scoring

import (
	"math"
	"time"

	"match-engine-go/internal/skills"
	"match-engine-go/internal/types"
)

// 规则打分权重，四项之和为 1
const (
	WeightSkills     = 0.60
	WeightExperience = 0.20
	WeightRecency    = 0.10
	WeightSalary     = 0.10
)

// neutralScore 信息缺失时的中性分
const neutralScore = 50.0

// Scorer 规则打分器。
// 技能分项不在此处重新计算集合交集，由技能规范化器给出的重合度直接换算。
type Scorer struct {
	now func() time.Time
}

// ScorerOption 打分器可选配置
type ScorerOption func(*Scorer)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		s.now = now
	}
}

// NewScorer 创建规则打分器
func NewScorer(opts ...ScorerOption) *Scorer {
	s := &Scorer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Composite 计算一个岗位对候选人的规则分明细。
// 各分项与总分均落在 [0,100]，保留两位小数；信息完全缺失的岗位也能得到有效分值。
func (s *Scorer) Composite(candidate types.CandidateProfile, job types.JobPosting, overlap skills.Overlap) types.ScoreBreakdown {
	skillsScore := skillsSubScore(overlap.Ratio)
	experienceScore := experienceSubScore(candidate.YearsExperience, job.MinYears, job.MaxYears)
	recencyScore := recencySubScore(job.PostedAt, s.now())
	salaryScore := salarySubScore(job.SalaryMin, candidate.SalaryFloor)

	total := WeightSkills*skillsScore +
		WeightExperience*experienceScore +
		WeightRecency*recencyScore +
		WeightSalary*salaryScore

	matched := overlap.Matched
	if matched == nil {
		matched = []string{}
	}
	missing := overlap.Missing
	if missing == nil {
		missing = []string{}
	}

	return types.ScoreBreakdown{
		SkillsScore:     round2(skillsScore),
		ExperienceScore: round2(experienceScore),
		RecencyScore:    round2(recencyScore),
		SalaryScore:     round2(salaryScore),
		Total:           round2(clamp100(total)),
		MatchedSkills:   matched,
		MissingSkills:   missing,
	}
}

// skillsSubScore 技能分项：重合度直接换算成百分制
func skillsSubScore(ratio float64) float64 {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio * 100
}

// experienceSubScore 年限分项。
// 区间内满分；低于下限每差一年扣 15 分，最低 0；
// 高于上限每多一年扣 5 分，但不低于 70（资历略高不致命）；
// 岗位年限区间任一端缺失时取中性分。
func experienceSubScore(years float64, minYears, maxYears *float64) float64 {
	if minYears == nil || maxYears == nil {
		return neutralScore
	}
	if years < *minYears {
		score := 100 - 15*(*minYears-years)
		if score < 0 {
			return 0
		}
		return score
	}
	if years > *maxYears {
		score := 100 - 5*(years-*maxYears)
		if score < 70 {
			return 70
		}
		return score
	}
	return 100
}

// recencySubScore 新鲜度分项：每过一天扣 2 分，50 天以上为 0；发布时间未知取中性分。
func recencySubScore(postedAt *time.Time, now time.Time) float64 {
	if postedAt == nil {
		return neutralScore
	}
	days := math.Floor(now.Sub(*postedAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	score := 100 - 2*days
	if score < 0 {
		return 0
	}
	return score
}

// salarySubScore 薪资分项。
// 岗位下限不低于候选人期望下限时满分，低于时按比例线性折算，最低 0；
// 任一方未提供薪资信息时取中性分。
func salarySubScore(jobMin *int, candidateFloor *int) float64 {
	if candidateFloor == nil || jobMin == nil {
		return neutralScore
	}
	if *candidateFloor <= 0 {
		return neutralScore
	}
	if *jobMin >= *candidateFloor {
		return 100
	}
	if *jobMin <= 0 {
		return 0
	}
	return 100 * float64(*jobMin) / float64(*candidateFloor)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
