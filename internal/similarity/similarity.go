package similarity

import (
	"fmt"
	"math"
)

// 相似度档位描述
const (
	LabelVerySimilar   = "Very Similar"
	LabelSimilar       = "Similar"
	LabelWeaklySimilar = "Weakly Similar"
	LabelNotSimilar    = "Not Similar"
)

// 档位置信度
const (
	ConfidenceHigh       = "high"
	ConfidenceMediumHigh = "medium-high"
	ConfidenceMedium     = "medium"
	ConfidenceLow        = "low"
)

// DimensionMismatchError 两个向量维度不一致
type DimensionMismatchError struct {
	LenA int
	LenB int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("向量维度不一致: %d vs %d", e.LenA, e.LenB)
}

// Cosine 计算两个向量的余弦相似度，结果收敛到 [0,1]。
// 本引擎的相似度刻度刻意取 [0,1] 而非 [-1,1]：负相关与不相关同样视为 0。
// 维度不一致返回 DimensionMismatchError；任一向量为零向量返回 0。
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{LenA: len(a), LenB: len(b)}
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Classify 把相似度分值映射到档位描述与置信度。
// 各边界均为严格大于。
func Classify(score float64) (label string, confidence string) {
	switch {
	case score > 0.88:
		return LabelVerySimilar, ConfidenceHigh
	case score > 0.80:
		return LabelSimilar, ConfidenceMediumHigh
	case score > 0.70:
		return LabelWeaklySimilar, ConfidenceMedium
	default:
		return LabelNotSimilar, ConfidenceLow
	}
}

// OverlapBoost 按技能重合度提升相似度分值。
// 重合度超过 80% 时线性加成，80% 加 0，100% 加满 0.05，结果重新收敛到 [0,1]。
// 重合度不超过 80% 时分值不变。
func OverlapBoost(score float64, overlapPct float64) float64 {
	if overlapPct <= 80 {
		return clamp01(score)
	}
	if overlapPct > 100 {
		overlapPct = 100
	}
	boost := 0.05 * (overlapPct - 80) / 20
	return clamp01(score + boost)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
