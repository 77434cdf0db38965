package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"match-engine-go/internal/config"
	"match-engine-go/internal/constants"
	"match-engine-go/internal/logger"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
)

// APIError 表示嵌入服务返回的业务级错误
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("嵌入服务调用失败, 状态码: %d, 错误: %s", e.StatusCode, e.Message)
}

// SidecarEmbedder 通过HTTP调用嵌入服务生成文本向量, 实现 cloudwego/eino embedding.Embedder 接口
// 服务端模型为 all-MiniLM-L6-v2, 输出384维已归一化向量
type SidecarEmbedder struct {
	baseURL    string
	dimensions int
	httpClient *http.Client
	log        zerolog.Logger
}

var _ embedding.Embedder = (*SidecarEmbedder)(nil)

// NewSidecarEmbedder 创建嵌入服务客户端
func NewSidecarEmbedder(cfg config.EmbeddingConfig) (*SidecarEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("嵌入服务地址不能为空")
	}

	dimensions := cfg.Dimensions
	if dimensions <= 0 {
		dimensions = constants.EmbeddingDimension
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SidecarEmbedder{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Component("SidecarEmbedder"),
	}, nil
}

// GetDimensions 返回嵌入器配置的维度
func (s *SidecarEmbedder) GetDimensions() int {
	return s.dimensions
}

// embedRequest 嵌入服务的批量请求体
type embedRequest struct {
	Texts []string `json:"texts"`
}

// embedResponse 嵌入服务的批量响应体
type embedResponse struct {
	Success    bool        `json:"success"`
	Embeddings [][]float64 `json:"embeddings"`
	Count      int         `json:"count"`
	Dimension  int         `json:"dimension"`
	Error      string      `json:"error,omitempty"`
}

// EmbedStrings 将文本批量转换为向量
func (s *SidecarEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	// 服务端模型固定，调用方的模型选项在此被忽略
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	jsonData, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("序列化嵌入请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.log.Debug().Int("text_count", len(texts)).Msg("发送嵌入请求")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送嵌入请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取嵌入响应失败: %w", err)
	}

	var parsed embedResponse
	if resp.StatusCode != http.StatusOK {
		// 尝试从响应体中解析更详细的错误信息
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: parsed.Error}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析嵌入响应JSON失败: %w", err)
	}

	// 状态码200时服务仍可能返回业务级失败
	if !parsed.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: parsed.Error}
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("嵌入结果数量不匹配: 期望 %d, 实际 %d", len(texts), len(parsed.Embeddings))
	}

	if s.dimensions > 0 && parsed.Dimension != s.dimensions {
		return nil, fmt.Errorf("嵌入维度不匹配: 期望 %d, 实际 %d", s.dimensions, parsed.Dimension)
	}

	s.log.Debug().
		Int("text_count", len(texts)).
		Int("dimension", parsed.Dimension).
		Msg("嵌入请求完成")

	return parsed.Embeddings, nil
}

// Health 探测嵌入服务健康状态
func (s *SidecarEmbedder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("嵌入服务健康检查失败: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "健康检查未通过"}
	}
	return nil
}
