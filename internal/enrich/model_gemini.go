package enrich

import (
	"context"
	"fmt"
	"strings"

	"match-engine-go/internal/config"
	"match-engine-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiChatModel 基于Google GenAI SDK实现eino的ChatModel接口，
// 作为watsonx不可用时的备用理由提供方。
type GeminiChatModel struct {
	client    *genai.Client
	modelName string
	log       zerolog.Logger
}

// NewGeminiChatModel 创建Gemini模型客户端
func NewGeminiChatModel(ctx context.Context, cfg config.GeminiConfig) (*GeminiChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API密钥不能为空")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建genai客户端失败: %w", err)
	}

	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	return &GeminiChatModel{
		client:    client,
		modelName: modelName,
		log:       logger.Component("GeminiChatModel"),
	}, nil
}

// Generate 实现 model.ChatModel 接口
func (g *GeminiChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	prompt := flattenPrompt(messages)
	if prompt == "" {
		return nil, fmt.Errorf("输入消息为空")
	}

	g.log.Debug().Str("model", g.modelName).Int("prompt_len", len(prompt)).Msg("发送Gemini生成请求")

	resp, err := g.client.Models.GenerateContent(ctx, g.modelName, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini生成请求失败: %w", err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return nil, fmt.Errorf("gemini API返回空响应")
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: output,
	}, nil
}

// Stream 实现 model.ChatModel 接口
func (g *GeminiChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("GeminiChatModel 的 Stream 方法未实现")
}

// BindTools 实现 model.ChatModel 接口。理由生成不使用工具调用，仅记录绑定。
func (g *GeminiChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) > 0 {
		g.log.Warn().Int("tool_count", len(tools)).Msg("理由生成场景未启用工具调用，绑定的工具将被忽略")
	}
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (g *GeminiChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if err := g.BindTools(tools); err != nil {
		return nil, err
	}
	return g, nil
}

var _ model.ToolCallingChatModel = (*GeminiChatModel)(nil)
