package provider

import (
	"context"
	"fmt"

	"github.com/fiftyfive/backend-go/internal/models"
)

// 轮询状态
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// DispatchRequest 派发给服务商的生成请求
// 调度器只携带载荷，不理解各服务商的协议细节
type DispatchRequest struct {
	JobID    string
	Category models.Category
	Model    string

	// 语音载荷
	Text          string
	VoiceID       string
	VoiceSettings map[string]interface{}

	// 图片载荷
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Seed           *int64
}

// DispatchResult 派发结果
// 异步服务商返回 CorrelationID 供后续轮询；同步服务商直接带回产物并置 Done
type DispatchResult struct {
	CorrelationID string
	Done          bool
	Artifact      []byte
	ContentType   string
}

// PollResult 轮询结果
type PollResult struct {
	State       string
	Progress    int
	ArtifactURL string
	Err         string
}

// Gateway 外部生成服务商能力接口，每个服务商一个实现
// 由任务记录的provider字段选择实现，调度器不对服务商名称做分支判断
type Gateway interface {
	Provider() string
	Dispatch(ctx context.Context, apiKey string, req *DispatchRequest) (*DispatchResult, error)
	PollStatus(ctx context.Context, apiKey, correlationID string) (*PollResult, error)
	// Cancel 尽力而为，通知失败只记录不致命
	Cancel(ctx context.Context, apiKey, correlationID string) error
}

// Registry 服务商网关注册表
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry 创建注册表
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

// Register 注册网关实现
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Provider()] = g
}

// Get 按服务商名称取网关
func (r *Registry) Get(provider string) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for provider %q", provider)
	}
	return g, nil
}
