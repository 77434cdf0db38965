package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// defaultMockRationale 未配置预期响应时返回的合法理由JSON
const defaultMockRationale = `{"headline":"候选人核心技能与该岗位要求高度重合","strengths":["核心技能覆盖岗位要求","工作年限落在岗位期望区间"],"gaps":[],"advice":"在申请材料中突出与岗位要求直接对应的项目经验。"}`

// MockResponse 应答脚本里的一步
type MockResponse struct {
	Content string
	Error   error
}

// MockChatModel 本地联调与测试用的 model.ToolCallingChatModel 实现。
// 不发起任何网络调用，应答完全由脚本决定，没有模型凭证的环境也能
// 跑通完整的理由生成链路。零值不可用，须经构造函数创建。
type MockChatModel struct {
	mu       sync.Mutex
	script   []MockResponse // 按序消费；repeat为真时最后一步无限重复
	repeat   bool
	calls    int
	received []*schema.Message
}

var _ model.ToolCallingChatModel = (*MockChatModel)(nil)

// NewMockChatModel 返回固定应答的mock，content为空时用内置理由JSON。
func NewMockChatModel(content string, err error) *MockChatModel {
	if content == "" {
		content = defaultMockRationale
	}
	return &MockChatModel{
		script: []MockResponse{{Content: content, Error: err}},
		repeat: true,
	}
}

// NewMockChatModelSequential 返回按脚本顺序应答的mock，脚本耗尽后报错。
func NewMockChatModelSequential(script []MockResponse) *MockChatModel {
	return &MockChatModel{script: script}
}

// Generate 返回脚本中的下一步应答。
func (m *MockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.received = append(m.received, input...)

	idx := m.calls
	m.calls++
	if idx >= len(m.script) {
		if !m.repeat || len(m.script) == 0 {
			return nil, errors.New("mock应答脚本已耗尽")
		}
		idx = len(m.script) - 1
	}
	step := m.script[idx]
	if step.Error != nil {
		return nil, step.Error
	}
	return schema.AssistantMessage(step.Content, nil), nil
}

// Stream Mock不支持流式调用。
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.received = append(m.received, input...)
	m.mu.Unlock()
	return nil, fmt.Errorf("MockChatModel不支持流式输出")
}

// WithTools Mock不区分工具，直接返回自身。
func (m *MockChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

// GetReceivedMessages 返回累计收到的全部消息的副本。
func (m *MockChatModel) GetReceivedMessages() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.Message(nil), m.received...)
}
