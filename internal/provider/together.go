package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/models"
)

// TogetherGateway 图片生成服务商网关（同步：派发即返回产物）
type TogetherGateway struct {
	apiURL string
	client *http.Client
}

// NewTogetherGateway 创建Together网关
func NewTogetherGateway(apiURL string, timeout time.Duration) *TogetherGateway {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &TogetherGateway{
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *TogetherGateway) Provider() string {
	return "together"
}

type togetherImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Dispatch 派发图片生成，同步等待并带回产物
func (g *TogetherGateway) Dispatch(ctx context.Context, apiKey string, req *DispatchRequest) (*DispatchResult, error) {
	if req.Category != models.CategoryImage {
		return nil, fmt.Errorf("together gateway only handles image jobs, got %s", req.Category)
	}

	payload := map[string]interface{}{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"width":           req.Width,
		"height":          req.Height,
		"steps":           req.Steps,
		"n":               1,
		"response_format": "b64_json",
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.NewProviderTimeout(g.Provider())
		}
		return nil, apperrors.NewProviderUnavailable("图片服务商不可达").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, apperrors.NewProviderRejected(g.Provider(), string(msg))
	}

	var out togetherImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应格式无法解析")
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应中没有图片数据")
	}

	raw, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
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
func (g *TogetherGateway) PollStatus(ctx context.Context, apiKey, correlationID string) (*PollResult, error) {
	return &PollResult{State: StateCompleted, Progress: 100}, nil
}

// Cancel 同步服务商无法取消已派发的请求
func (g *TogetherGateway) Cancel(ctx context.Context, apiKey, correlationID string) error {
	return nil
}
