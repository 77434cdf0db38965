package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"match-engine-go/internal/logger"
	"match-engine-go/internal/types"
	"match-engine-go/pkg/ratelimit"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	// RationaleSourceCache 表示理由来自缓存而非实时生成
	RationaleSourceCache = "cache"

	maxHeadlineRunes = 120
	maxStrengths     = 5
	maxGaps          = 5
)

// Provider 一个具名的理由提供方，按切片顺序逐个尝试
type Provider struct {
	Name  string
	Model model.ToolCallingChatModel
}

// RationaleGenerator 为匹配结果生成推荐理由。
// 生成是尽力而为的：所有提供方都失败时返回nil理由，绝不让排序失败。
type RationaleGenerator struct {
	providers      []Provider
	limiter        *ratelimit.SlidingWindow
	cache          ResponseCache
	metrics        *Metrics
	promptTemplate string
	requestTimeout time.Duration
	log            zerolog.Logger
}

// GeneratorOption 理由生成器的配置选项
type GeneratorOption func(*RationaleGenerator)

// WithResponseCache 设置理由缓存
func WithResponseCache(cache ResponseCache) GeneratorOption {
	return func(g *RationaleGenerator) {
		g.cache = cache
	}
}

// WithMetrics 注入外部指标收集器
func WithMetrics(metrics *Metrics) GeneratorOption {
	return func(g *RationaleGenerator) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// WithPromptTemplate 设置自定义提示词模板
func WithPromptTemplate(template string) GeneratorOption {
	return func(g *RationaleGenerator) {
		if template != "" {
			g.promptTemplate = template
		}
	}
}

// WithRequestTimeout 限制单次提供方调用的耗时，0表示不限制。
// 超时覆盖提供方内部的限流等待与重试。
func WithRequestTimeout(timeout time.Duration) GeneratorOption {
	return func(g *RationaleGenerator) {
		if timeout > 0 {
			g.requestTimeout = timeout
		}
	}
}

// NewRationaleGenerator 创建理由生成器
func NewRationaleGenerator(providers []Provider, limiter *ratelimit.SlidingWindow, options ...GeneratorOption) *RationaleGenerator {
	g := &RationaleGenerator{
		providers:      providers,
		limiter:        limiter,
		metrics:        NewMetrics(),
		promptTemplate: defaultRationalePrompt,
		log:            logger.Component("RationaleGenerator"),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Metrics 返回生成器使用的指标收集器
func (g *RationaleGenerator) Metrics() *Metrics {
	return g.metrics
}

const defaultRationalePrompt = `你是一位资深的职业顾问，负责向候选人解释一条岗位推荐的理由。请基于下面的【岗位信息】、【候选人画像】和【打分上下文】，进行简明扼要的对比分析，并严格按照指定的JSON格式输出推荐理由。

**请严格遵循以下JSON输出格式规范：**
1.  **"headline"**: 字符串（不超过120字符），一句话概括这条推荐的核心结论。
2.  **"strengths"**: 字符串数组（最多5项），候选人与该岗位高度契合的**具体亮点**。避免空泛描述。
3.  **"gaps"**: 字符串数组（最多5项），候选人相对岗位要求的**具体差距**或需要补强的方面，完美匹配时可为空数组。
4.  **"advice"**: 字符串，针对该岗位的一段可执行的申请建议。

**JSON格式细节要求：**
- 完整输出必须是一个合法的JSON对象。
- 所有字段名和字符串值都必须使用双引号。
- 字符串值内部如果包含双引号(")，必须使用反斜杠(\\")进行转义。
- 禁止在JSON结构之外输出任何额外文本、解释或Markdown标记。

【岗位信息】:
"""
%s
"""

【候选人画像】:
"""
%s
"""

【打分上下文】:
%s

请基于以上所有指令，输出JSON结果。`

const rationaleSystemPrompt = "你是一位资深的职业顾问，专注于向候选人解释岗位推荐的匹配逻辑。"

// buildJobSection 拼装提示词中的岗位信息段
func buildJobSection(job types.JobPosting) string {
	var sb strings.Builder
	sb.WriteString("岗位名称: " + job.Title)
	if job.EmploymentType != "" {
		sb.WriteString("\n用工类型: " + string(job.EmploymentType))
	}
	if job.Remote {
		sb.WriteString("\n工作方式: 远程")
	}
	if len(job.Skills) > 0 {
		sb.WriteString("\n技能要求: " + strings.Join(job.Skills, ", "))
	}
	if job.Description != "" {
		sb.WriteString("\n岗位描述:\n" + job.Description)
	}
	return sb.String()
}

// buildCandidateSection 拼装提示词中的候选人画像段
func buildCandidateSection(candidate types.CandidateProfile) string {
	var sb strings.Builder
	if candidate.Headline != "" {
		sb.WriteString("头衔: " + candidate.Headline + "\n")
	}
	sb.WriteString(fmt.Sprintf("工作年限: %.1f年", candidate.YearsExperience))
	if len(candidate.Skills) > 0 {
		sb.WriteString("\n技能: " + strings.Join(candidate.Skills, ", "))
	}
	if candidate.ProfileText != "" {
		sb.WriteString("\n画像全文:\n" + candidate.ProfileText)
	}
	return sb.String()
}

// buildScoreSection 拼装提示词中的打分上下文段
func buildScoreSection(match types.MatchResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("- 综合匹配分: %.2f / 100\n", match.BlendedScore))
	sb.WriteString(fmt.Sprintf("- 规则分: %.2f / 100\n", match.Composite.Total))
	if match.SemanticScore != nil {
		sb.WriteString(fmt.Sprintf("- 语义相似度: %.4f (%s)\n", *match.SemanticScore, match.SimilarityLabel))
	} else {
		sb.WriteString("- 语义相似度: 本次未参与打分\n")
	}
	if len(match.Composite.MatchedSkills) > 0 {
		sb.WriteString("- 命中技能: " + strings.Join(match.Composite.MatchedSkills, ", ") + "\n")
	}
	if len(match.Composite.MissingSkills) > 0 {
		sb.WriteString("- 缺失技能: " + strings.Join(match.Composite.MissingSkills, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (g *RationaleGenerator) buildMessages(candidate types.CandidateProfile, match types.MatchResult) []*einoschema.Message {
	userContent := fmt.Sprintf(g.promptTemplate,
		buildJobSection(match.Job),
		buildCandidateSection(candidate),
		buildScoreSection(match),
	)
	return []*einoschema.Message{
		einoschema.SystemMessage(rationaleSystemPrompt),
		einoschema.UserMessage(userContent),
	}
}

// GenerateRationale 为单条匹配生成推荐理由，返回理由和产生它的提供方名称。
// 先查缓存；未命中时按顺序尝试各提供方，每次真实调用前经过限流器。
// 所有提供方都失败时返回 (nil, "")。
func (g *RationaleGenerator) GenerateRationale(ctx context.Context, candidate types.CandidateProfile, match types.MatchResult) (*types.Rationale, string) {
	resumeID := candidate.ResumeID
	jobID := match.Job.JobID

	if g.cache != nil {
		cached, err := g.cache.GetRationale(ctx, resumeID, jobID)
		if err != nil {
			g.log.Warn().Err(err).Str("resume_id", resumeID).Str("job_id", jobID).Msg("读取理由缓存失败，按未命中处理")
		}
		if cached != nil {
			g.metrics.RecordCacheHit()
			return cached, RationaleSourceCache
		}
		g.metrics.RecordCacheMiss()
	}

	if len(g.providers) == 0 {
		return nil, ""
	}

	messages := g.buildMessages(candidate, match)

	for _, provider := range g.providers {
		if g.limiter != nil {
			if err := g.limiter.Acquire(ctx); err != nil {
				g.log.Warn().Err(err).Str("job_id", jobID).Msg("等待限流配额时上下文被取消，跳过理由生成")
				return nil, ""
			}
		}

		callCtx := ctx
		cancel := func() {}
		if g.requestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		}
		response, err := provider.Model.Generate(callCtx, messages)
		cancel()
		if err != nil {
			g.metrics.RecordProviderFailure(provider.Name)
			g.log.Warn().Err(err).
				Str("provider", provider.Name).
				Str("job_id", jobID).
				Msg("理由提供方调用失败，尝试下一个")
			continue
		}
		if response == nil || response.Content == "" {
			g.metrics.RecordProviderFailure(provider.Name)
			g.log.Warn().Str("provider", provider.Name).Str("job_id", jobID).Msg("理由提供方返回空响应，尝试下一个")
			continue
		}

		rationale, err := parseRationale(response.Content)
		if err != nil {
			g.metrics.RecordProviderFailure(provider.Name)
			g.log.Warn().Err(err).
				Str("provider", provider.Name).
				Str("job_id", jobID).
				Msg("理由响应解析失败，尝试下一个")
			continue
		}

		g.metrics.RecordProviderSuccess(provider.Name)

		if g.cache != nil {
			if err := g.cache.SetRationale(ctx, resumeID, jobID, rationale); err != nil {
				g.log.Warn().Err(err).Str("job_id", jobID).Msg("写入理由缓存失败")
			}
		}
		return rationale, provider.Name
	}

	g.log.Warn().Str("resume_id", resumeID).Str("job_id", jobID).Msg("所有理由提供方均失败，本条匹配不附带理由")
	return nil, ""
}

// Enrich 为一组排序结果生成理由并包装为最终匹配条目。
// 输出顺序与输入严格一致，理由生成失败只影响单条的Rationale字段。
func (g *RationaleGenerator) Enrich(ctx context.Context, candidate types.CandidateProfile, results []types.MatchResult, generate bool) []types.EnrichedMatch {
	enriched := make([]types.EnrichedMatch, len(results))
	for i, result := range results {
		enriched[i] = types.EnrichedMatch{MatchResult: result}
	}

	if !generate || len(g.providers) == 0 {
		return enriched
	}

	for i := range enriched {
		if ctx.Err() != nil {
			g.log.Warn().Err(ctx.Err()).Int("enriched", i).Int("total", len(enriched)).Msg("上下文已取消，停止为剩余结果生成理由")
			break
		}
		rationale, source := g.GenerateRationale(ctx, candidate, enriched[i].MatchResult)
		enriched[i].Rationale = rationale
		enriched[i].RationaleSource = source
	}
	return enriched
}

// parseRationale 从模型输出中解析推荐理由。
// 依次尝试：去BOM、提取首个完整JSON对象、直接反序列化、
// 去尾随逗号后重试、修复字符串内未转义引号后重试。
func parseRationale(content string) (*types.Rationale, error) {
	processed := strings.TrimPrefix(content, "﻿")

	jsonStr := extractJSONObject(processed)
	if jsonStr == "" {
		return nil, fmt.Errorf("未能从模型响应中提取JSON对象: %.200s", processed)
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var rationale types.Rationale
	if err := json.Unmarshal([]byte(jsonStr), &rationale); err != nil {
		// 先尝试去掉尾随逗号
		fixed := stripTrailingCommas(jsonStr)
		if commaErr := json.Unmarshal([]byte(fixed), &rationale); commaErr != nil {
			// 再尝试修复字符串内部未转义的双引号
			sanitized := sanitizeModelJSON(fixed)
			if quoteErr := json.Unmarshal([]byte(sanitized), &rationale); quoteErr != nil {
				return nil, fmt.Errorf("修复后仍无法反序列化理由JSON。原始错误: %w, 修复后错误: %v, JSON: %.300s", err, quoteErr, jsonStr)
			}
		}
	}

	if err := normalizeRationale(&rationale); err != nil {
		return nil, err
	}
	return &rationale, nil
}

// normalizeRationale 校验并收敛理由内容到约定的上限
func normalizeRationale(rationale *types.Rationale) error {
	rationale.Headline = strings.TrimSpace(rationale.Headline)
	if rationale.Headline == "" {
		return fmt.Errorf("理由缺少headline字段")
	}
	if headline := []rune(rationale.Headline); len(headline) > maxHeadlineRunes {
		rationale.Headline = string(headline[:maxHeadlineRunes])
	}

	rationale.Strengths = cleanStringList(rationale.Strengths, maxStrengths)
	rationale.Gaps = cleanStringList(rationale.Gaps, maxGaps)
	rationale.Advice = strings.TrimSpace(rationale.Advice)
	return nil
}

// cleanStringList 去除空白条目并截断到上限
func cleanStringList(items []string, limit int) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		cleaned = append(cleaned, item)
		if len(cleaned) == limit {
			break
		}
	}
	return cleaned
}

// extractJSONObject 提取文本中的第一个完整JSON对象。
// 通过括号配对定位边界，并跳过字符串字面量内部的括号。
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	level, inStr, escaped := 0, false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inStr {
				escaped = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				level++
			}
		case '}':
			if !inStr {
				level--
				if level == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// stripTrailingCommas 去掉对象或数组结束符前的尾随逗号，不触碰字符串内部的逗号
func stripTrailingCommas(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inStr, escaped := false, false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\' && inStr:
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inStr = !inStr
			b.WriteByte(c)
		case c == ',' && !inStr:
			// 后面第一个非空白字符是收尾符时直接丢弃
			if next := nextMeaningfulByte(src, i+1); next == '}' || next == ']' {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// sanitizeModelJSON 转义字符串字面量内部未转义的双引号。
// 引号后第一个非空白字符是 : , ] } 之一时视为字符串真正收尾，
// 否则按内嵌引号改写成\"。模型把引语塞进理由文本时常踩这个坑。
func sanitizeModelJSON(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inStr, escaped := false, false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
			b.WriteByte(c)
		case c != '"':
			b.WriteByte(c)
		case !inStr:
			inStr = true
			b.WriteByte(c)
		default:
			switch nextMeaningfulByte(src, i+1) {
			case ':', ',', ']', '}':
				inStr = false
				b.WriteByte(c)
			default:
				b.WriteString(`\"`)
			}
		}
	}
	return b.String()
}

// nextMeaningfulByte 返回i起第一个非空白字符，扫描到结尾时返回0。
func nextMeaningfulByte(src string, i int) byte {
	for ; i < len(src); i++ {
		switch src[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return src[i]
		}
	}
	return 0
}
