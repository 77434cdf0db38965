package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"match-engine-go/internal/types"
	"match-engine-go/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用理由提供方模拟器
type MockRationaleLLM struct {
	// 模拟响应
	mockResponse string
	// 用于测试的错误
	Err error
	// 用于测试的调用次数
	CallCount int
}

func (m *MockRationaleLLM) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	m.CallCount++
	if m.Err != nil {
		return nil, m.Err
	}
	return &schema.Message{
		Role:    "assistant",
		Content: m.mockResponse,
	}, nil
}

func (m *MockRationaleLLM) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (m *MockRationaleLLM) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

func (m *MockRationaleLLM) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

const validRationaleJSON = `{
	"headline": "后端技能与岗位核心要求高度吻合",
	"strengths": ["精通Go与微服务架构", "具备Kubernetes生产环境经验"],
	"gaps": ["缺少Kafka实战经验"],
	"advice": "在申请材料中突出微服务改造项目的量化成果。"
}`

func testCandidate() types.CandidateProfile {
	return types.CandidateProfile{
		ResumeID:        "resume-001",
		Headline:        "资深后端工程师",
		Skills:          []string{"Go", "Kubernetes", "MySQL"},
		YearsExperience: 6,
		ProfileText:     "六年后端开发经验，主导过多个微服务项目。",
	}
}

func testMatch(jobID string) types.MatchResult {
	semantic := 0.86
	return types.MatchResult{
		Job: types.JobPosting{
			JobID:  jobID,
			Title:  "Go后端工程师",
			Skills: []string{"Go", "Kubernetes", "Kafka"},
		},
		Composite: types.ScoreBreakdown{
			Total:         78.5,
			MatchedSkills: []string{"Go", "Kubernetes"},
			MissingSkills: []string{"Kafka"},
		},
		SemanticScore:   &semantic,
		SimilarityLabel: "Similar",
		BlendedScore:    83.75,
	}
}

func newTestGenerator(providers []Provider, options ...GeneratorOption) *RationaleGenerator {
	limiter := ratelimit.NewSlidingWindow(100, time.Minute)
	return NewRationaleGenerator(providers, limiter, options...)
}

func TestGenerateRationale(t *testing.T) {
	ctx := context.Background()

	t.Run("主提供方成功生成理由", func(t *testing.T) {
		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: primary}})

		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		require.NotNil(t, rationale)
		assert.Equal(t, "watsonx", source)
		assert.Equal(t, "后端技能与岗位核心要求高度吻合", rationale.Headline)
		assert.Len(t, rationale.Strengths, 2)
		assert.Len(t, rationale.Gaps, 1)
		assert.NotEmpty(t, rationale.Advice)
		assert.Equal(t, 1, primary.CallCount)

		snapshot := g.Metrics().Snapshot()
		assert.Equal(t, int64(1), snapshot.Providers["watsonx"].Success)
		assert.Equal(t, int64(1), snapshot.ProviderCalls)
	})

	t.Run("主提供方失败时切换到备用提供方", func(t *testing.T) {
		primary := &MockRationaleLLM{Err: errors.New("service unavailable")}
		secondary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{
			{Name: "watsonx", Model: primary},
			{Name: "gemini", Model: secondary},
		})

		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		require.NotNil(t, rationale)
		assert.Equal(t, "gemini", source)
		assert.Equal(t, 1, primary.CallCount, "应先尝试主提供方")
		assert.Equal(t, 1, secondary.CallCount)

		snapshot := g.Metrics().Snapshot()
		assert.Equal(t, int64(1), snapshot.Providers["watsonx"].Failure)
		assert.Equal(t, int64(1), snapshot.Providers["gemini"].Success)
	})

	t.Run("所有提供方失败时返回nil理由而非错误", func(t *testing.T) {
		primary := &MockRationaleLLM{Err: errors.New("boom")}
		secondary := &MockRationaleLLM{mockResponse: "这不是JSON"}
		g := newTestGenerator([]Provider{
			{Name: "watsonx", Model: primary},
			{Name: "gemini", Model: secondary},
		})

		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		assert.Nil(t, rationale)
		assert.Empty(t, source)
	})

	t.Run("缓存命中时不调用任何提供方", func(t *testing.T) {
		cache := NewMemoryResponseCache()
		cached := &types.Rationale{Headline: "缓存中的结论", Advice: "直接投递"}
		require.NoError(t, cache.SetRationale(ctx, "resume-001", "job-1", cached))

		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: primary}}, WithResponseCache(cache))

		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		require.NotNil(t, rationale)
		assert.Equal(t, RationaleSourceCache, source)
		assert.Equal(t, "缓存中的结论", rationale.Headline)
		assert.Equal(t, 0, primary.CallCount, "缓存命中时不应发起模型调用")
		assert.Equal(t, int64(1), g.Metrics().Snapshot().CacheHits)
	})

	t.Run("生成成功后写入缓存", func(t *testing.T) {
		cache := NewMemoryResponseCache()
		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: primary}}, WithResponseCache(cache))

		_, _ = g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		stored, err := cache.GetRationale(ctx, "resume-001", "job-1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, "后端技能与岗位核心要求高度吻合", stored.Headline)

		// 第二次调用应命中缓存
		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))
		require.NotNil(t, rationale)
		assert.Equal(t, RationaleSourceCache, source)
		assert.Equal(t, 1, primary.CallCount)
	})

	t.Run("单次调用超时后切换到备用提供方", func(t *testing.T) {
		slow := &slowRationaleLLM{delay: 500 * time.Millisecond, response: validRationaleJSON}
		fast := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{
			{Name: "watsonx", Model: slow},
			{Name: "gemini", Model: fast},
		}, WithRequestTimeout(30*time.Millisecond))

		rationale, source := g.GenerateRationale(ctx, testCandidate(), testMatch("job-1"))

		require.NotNil(t, rationale)
		assert.Equal(t, "gemini", source, "慢提供方超时后应走备用提供方")
		assert.Equal(t, 1, fast.CallCount)
	})

	t.Run("等待限流配额时上下文取消则放弃生成", func(t *testing.T) {
		limiter := ratelimit.NewSlidingWindow(1, time.Minute)
		require.True(t, limiter.TryAcquire(), "先占满窗口")

		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := NewRationaleGenerator([]Provider{{Name: "watsonx", Model: primary}}, limiter)

		cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		rationale, source := g.GenerateRationale(cancelCtx, testCandidate(), testMatch("job-1"))

		assert.Nil(t, rationale)
		assert.Empty(t, source)
		assert.Equal(t, 0, primary.CallCount)
	})
}

func TestParseRationale(t *testing.T) {
	t.Run("解析Markdown围栏中的JSON", func(t *testing.T) {
		content := "以下是分析结果：\n```json\n" + validRationaleJSON + "\n```"
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Equal(t, "后端技能与岗位核心要求高度吻合", rationale.Headline)
	})

	t.Run("解析带BOM前缀的响应", func(t *testing.T) {
		rationale, err := parseRationale("﻿" + validRationaleJSON)

		require.NoError(t, err)
		assert.Equal(t, "后端技能与岗位核心要求高度吻合", rationale.Headline)
	})

	t.Run("尾随逗号自动修复", func(t *testing.T) {
		content := `{
			"headline": "匹配度良好",
			"strengths": ["技能对口",],
			"gaps": [],
			"advice": "建议投递",
		}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Equal(t, "匹配度良好", rationale.Headline)
		assert.Equal(t, []string{"技能对口"}, rationale.Strengths)
	})

	t.Run("字符串内未转义引号自动修复", func(t *testing.T) {
		content := `{"headline": "候选人有"丰富"的后端经验", "strengths": [], "gaps": [], "advice": "保持优势"}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Contains(t, rationale.Headline, "丰富")
	})

	t.Run("headline超长时截断到120字符", func(t *testing.T) {
		longHeadline := strings.Repeat("长", 130)
		content := `{"headline": "` + longHeadline + `", "strengths": [], "gaps": [], "advice": ""}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Equal(t, 120, len([]rune(rationale.Headline)))
	})

	t.Run("strengths和gaps超出上限时截断", func(t *testing.T) {
		content := `{
			"headline": "结论",
			"strengths": ["a", "b", "c", "d", "e", "f", "g"],
			"gaps": ["1", "2", "3", "4", "5", "6"],
			"advice": ""
		}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Len(t, rationale.Strengths, 5)
		assert.Len(t, rationale.Gaps, 5)
	})

	t.Run("空白条目被剔除", func(t *testing.T) {
		content := `{"headline": "结论", "strengths": ["  ", "有效亮点", ""], "gaps": [], "advice": ""}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Equal(t, []string{"有效亮点"}, rationale.Strengths)
	})

	t.Run("缺少headline时报错", func(t *testing.T) {
		content := `{"strengths": ["a"], "gaps": [], "advice": "x"}`
		_, err := parseRationale(content)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "headline")
	})

	t.Run("完全不含JSON的响应报错", func(t *testing.T) {
		_, err := parseRationale("抱歉，我无法完成这个请求。")
		require.Error(t, err)
	})

	t.Run("字符串值内的大括号不干扰边界定位", func(t *testing.T) {
		content := `{"headline": "包含{花括号}的结论", "strengths": [], "gaps": [], "advice": ""} 后续无关文本}`
		rationale, err := parseRationale(content)

		require.NoError(t, err)
		assert.Equal(t, "包含{花括号}的结论", rationale.Headline)
	})
}

func TestEnrich(t *testing.T) {
	ctx := context.Background()

	t.Run("保持输入顺序并逐条附加理由", func(t *testing.T) {
		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: primary}})

		results := []types.MatchResult{testMatch("job-1"), testMatch("job-2"), testMatch("job-3")}
		enriched := g.Enrich(ctx, testCandidate(), results, true)

		require.Len(t, enriched, 3)
		for i, item := range enriched {
			assert.Equal(t, results[i].Job.JobID, item.Job.JobID, "理由生成不应改变排序")
			require.NotNil(t, item.Rationale)
			assert.Equal(t, "watsonx", item.RationaleSource)
		}
		assert.Equal(t, 3, primary.CallCount)
	})

	t.Run("关闭理由生成时仅做包装", func(t *testing.T) {
		primary := &MockRationaleLLM{mockResponse: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: primary}})

		enriched := g.Enrich(ctx, testCandidate(), []types.MatchResult{testMatch("job-1")}, false)

		require.Len(t, enriched, 1)
		assert.Nil(t, enriched[0].Rationale)
		assert.Equal(t, 0, primary.CallCount)
	})

	t.Run("单条失败不影响其他条目", func(t *testing.T) {
		// 第一次调用失败，之后成功
		flaky := &flakyRationaleLLM{failFirst: true, response: validRationaleJSON}
		g := newTestGenerator([]Provider{{Name: "watsonx", Model: flaky}})

		results := []types.MatchResult{testMatch("job-1"), testMatch("job-2")}
		enriched := g.Enrich(ctx, testCandidate(), results, true)

		require.Len(t, enriched, 2)
		assert.Nil(t, enriched[0].Rationale, "失败的条目理由为nil")
		require.NotNil(t, enriched[1].Rationale, "后续条目不受影响")
	})

	t.Run("空结果集返回空切片", func(t *testing.T) {
		g := newTestGenerator(nil)
		enriched := g.Enrich(ctx, testCandidate(), nil, true)
		assert.NotNil(t, enriched)
		assert.Empty(t, enriched)
	})
}

// slowRationaleLLM 响应前等待固定时长，上下文先到期则返回其错误
type slowRationaleLLM struct {
	delay    time.Duration
	response string
}

func (s *slowRationaleLLM) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &schema.Message{Role: "assistant", Content: s.response}, nil
	}
}

func (s *slowRationaleLLM) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (s *slowRationaleLLM) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return s, nil
}

// flakyRationaleLLM 第一次调用返回错误，之后返回固定响应
type flakyRationaleLLM struct {
	failFirst bool
	response  string
	calls     int
}

func (f *flakyRationaleLLM) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.failFirst && f.calls == 1 {
		return nil, errors.New("invalid response payload")
	}
	return &schema.Message{Role: "assistant", Content: f.response}, nil
}

func (f *flakyRationaleLLM) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (f *flakyRationaleLLM) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

func (f *flakyRationaleLLM) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}
