package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway OpenAI图片生成网关（同步）
type OpenAIGateway struct {
	timeout time.Duration
}

// NewOpenAIGateway 创建OpenAI网关
func NewOpenAIGateway(timeout time.Duration) *OpenAIGateway {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIGateway{timeout: timeout}
}

func (g *OpenAIGateway) Provider() string {
	return "openai"
}

// Dispatch 调用OpenAI Images API生成图片
func (g *OpenAIGateway) Dispatch(ctx context.Context, apiKey string, req *DispatchRequest) (*DispatchResult, error) {
	if req.Category != models.CategoryImage {
		return nil, fmt.Errorf("openai gateway only handles image jobs, got %s", req.Category)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	client := openai.NewClient(apiKey)
	model := req.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}

	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Model:          model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", req.Width, req.Height),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.NewProviderTimeout(g.Provider())
		}
		return nil, apperrors.NewProviderRejected(g.Provider(), err.Error())
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应中没有图片数据")
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, apperrors.NewProviderRejected(g.Provider(), "图片数据解码失败")
	}

	return &DispatchResult{
		CorrelationID: req.JobID,
		Done:          true,
		Artifact:      raw,
		ContentType:   "image/png",
	}, nil
}

// PollStatus 同步服务商没有轮询语义，派发成功即完成
func (g *OpenAIGateway) PollStatus(ctx context.Context, apiKey, correlationID string) (*PollResult, error) {
	return &PollResult{State: StateCompleted, Progress: 100}, nil
}

// Cancel 同步服务商无法取消已派发的请求
func (g *OpenAIGateway) Cancel(ctx context.Context, apiKey, correlationID string) error {
	return nil
}
