package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"match-engine-go/internal/config"
	"match-engine-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	defaultWatsonxBaseURL   = "https://us-south.ml.cloud.ibm.com"
	defaultIAMTokenURL      = "https://iam.cloud.ibm.com/identity/token"
	defaultWatsonxModelID   = "ibm/granite-13b-chat-v2"
	watsonxGenerationPath   = "/ml/v1/text/generation"
	watsonxAPIVersion       = "2023-05-29"
	iamGrantType            = "urn:ibm:params:oauth:grant-type:apikey"
	defaultWatsonxMaxTokens = 1024

	// IAM令牌在到期前5分钟即视为过期，提前换新
	tokenRefreshLeeway = 5 * time.Minute
)

// iamTokenManager 管理IBM Cloud IAM访问令牌的获取与缓存
type iamTokenManager struct {
	apiKey     string
	tokenURL   string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newIAMTokenManager(apiKey, tokenURL string, httpClient *http.Client) *iamTokenManager {
	if tokenURL == "" {
		tokenURL = defaultIAMTokenURL
	}
	return &iamTokenManager{
		apiKey:     apiKey,
		tokenURL:   tokenURL,
		httpClient: httpClient,
	}
}

type iamTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token 返回一个有效的访问令牌，必要时向IAM服务换新
func (m *iamTokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Before(m.expiresAt.Add(-tokenRefreshLeeway)) {
		return m.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", iamGrantType)
	form.Set("apikey", m.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("创建IAM令牌请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求IAM令牌失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取IAM令牌响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("IAM令牌请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	var tokenResp iamTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("解析IAM令牌响应失败: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("IAM服务返回空令牌")
	}

	m.token = tokenResp.AccessToken
	m.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return m.token, nil
}

// WatsonxChatModel 通过watsonx.ai文本生成API实现eino的ChatModel接口。
// 该端点不支持工具调用，绑定的工具仅被记录。
type WatsonxChatModel struct {
	baseURL     string
	projectID   string
	modelID     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	tokens      *iamTokenManager
	boundTools  []*schema.ToolInfo
	log         zerolog.Logger
}

// NewWatsonxChatModel 创建watsonx.ai模型客户端
func NewWatsonxChatModel(cfg config.WatsonxConfig) (*WatsonxChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("watsonx API密钥不能为空")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("watsonx 项目ID不能为空")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultWatsonxBaseURL
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = defaultWatsonxModelID
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultWatsonxMaxTokens
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}

	return &WatsonxChatModel{
		baseURL:     baseURL,
		projectID:   cfg.ProjectID,
		modelID:     modelID,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		httpClient:  httpClient,
		tokens:      newIAMTokenManager(cfg.APIKey, cfg.IAMTokenURL, httpClient),
		log:         logger.Component("WatsonxChatModel"),
	}, nil
}

type watsonxGenerationParams struct {
	DecodingMethod string  `json:"decoding_method"`
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature,omitempty"`
}

type watsonxGenerationRequest struct {
	ModelID    string                  `json:"model_id"`
	Input      string                  `json:"input"`
	ProjectID  string                  `json:"project_id"`
	Parameters watsonxGenerationParams `json:"parameters"`
}

type watsonxGenerationResult struct {
	GeneratedText string `json:"generated_text"`
	StopReason    string `json:"stop_reason"`
}

type watsonxGenerationResponse struct {
	Results []watsonxGenerationResult `json:"results"`
}

type watsonxErrorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Trace string `json:"trace"`
}

// flattenPrompt 将多轮消息拼接为单段输入文本
func flattenPrompt(messages []*schema.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

// Generate 实现 model.ChatModel 接口
func (w *WatsonxChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	prompt := flattenPrompt(messages)
	if prompt == "" {
		return nil, fmt.Errorf("输入消息为空")
	}

	token, err := w.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取IAM令牌失败: %w", err)
	}

	reqPayload := watsonxGenerationRequest{
		ModelID:   w.modelID,
		Input:     prompt,
		ProjectID: w.projectID,
		Parameters: watsonxGenerationParams{
			DecodingMethod: "greedy",
			MaxNewTokens:   w.maxTokens,
			Temperature:    w.temperature,
		},
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	apiURL := fmt.Sprintf("%s%s?version=%s", w.baseURL, watsonxGenerationPath, watsonxAPIVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	w.log.Debug().Str("model_id", w.modelID).Int("prompt_len", len(prompt)).Msg("发送watsonx生成请求")

	httpResp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		// 尝试解析watsonx的错误信封以获得更可读的信息
		var apiErr watsonxErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Errors) > 0 {
			return nil, fmt.Errorf("watsonx API请求失败, 状态码: %d, 错误: %s (%s), trace: %s",
				httpResp.StatusCode, apiErr.Errors[0].Message, apiErr.Errors[0].Code, apiErr.Trace)
		}
		return nil, fmt.Errorf("watsonx API请求失败, 状态码: %d, 响应: %s", httpResp.StatusCode, string(body))
	}

	var genResp watsonxGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("反序列化API响应失败: %w", err)
	}
	if len(genResp.Results) == 0 {
		return nil, fmt.Errorf("watsonx API返回空结果")
	}

	result := genResp.Results[0]
	w.log.Debug().Str("stop_reason", result.StopReason).Msg("watsonx生成完成")

	return &schema.Message{
		Role:    schema.Assistant,
		Content: result.GeneratedText,
	}, nil
}

// Stream 实现 model.ChatModel 接口。文本生成端点当前按非流式调用。
func (w *WatsonxChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("WatsonxChatModel 的 Stream 方法未实现")
}

// BindTools 实现 model.ChatModel 接口。生成端点不支持工具调用，仅记录绑定。
func (w *WatsonxChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) > 0 {
		w.log.Warn().Int("tool_count", len(tools)).Msg("watsonx文本生成端点不支持工具调用，绑定的工具将被忽略")
	}
	w.boundTools = tools
	return nil
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (w *WatsonxChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if err := w.BindTools(tools); err != nil {
		return nil, err
	}
	return w, nil
}

var _ model.ToolCallingChatModel = (*WatsonxChatModel)(nil)
