package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/models"
	"go.uber.org/zap"
)

// VoicerGateway 语音合成服务商网关（异步：先派发拿task_id，再轮询）
type VoicerGateway struct {
	baseURL string
	client  *http.Client
}

// NewVoicerGateway 创建Voicer网关
func NewVoicerGateway(baseURL string, timeout time.Duration) *VoicerGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &VoicerGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *VoicerGateway) Provider() string {
	return "voicer"
}

type voicerSynthesizeResponse struct {
	TaskID string `json:"task_id"`
}

type voicerStatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	AudioURL string `json:"audio_url"`
	Error    string `json:"error"`
}

// Dispatch 派发语音合成，返回服务商任务ID
func (g *VoicerGateway) Dispatch(ctx context.Context, apiKey string, req *DispatchRequest) (*DispatchResult, error) {
	if req.Category != models.CategoryVoice {
		return nil, fmt.Errorf("voicer gateway only handles voice jobs, got %s", req.Category)
	}

	payload := map[string]interface{}{
		"text":     req.Text,
		"voice_id": req.VoiceID,
		"model_id": req.Model,
	}
	if len(req.VoiceSettings) > 0 {
		// 只透传合法字段
		settings := make(map[string]interface{}, len(req.VoiceSettings))
		for k, v := range req.VoiceSettings {
			switch k {
			case "stability", "similarity_boost", "style", "use_speaker_boost", "speed":
				settings[k] = v
			}
		}
		payload["voice_settings"] = settings
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/voice/synthesize", bytes.NewReader(body))
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
		return nil, apperrors.NewProviderUnavailable("语音服务商不可达").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, apperrors.NewProviderRejected(g.Provider(), string(msg))
	}

	var out voicerSynthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应格式无法解析")
	}
	if out.TaskID == "" {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应缺少task_id")
	}

	return &DispatchResult{CorrelationID: out.TaskID}, nil
}

// PollStatus 轮询语音合成进度
func (g *VoicerGateway) PollStatus(ctx context.Context, apiKey, correlationID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/voice/status/"+correlationID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, apperrors.NewProviderTimeout(g.Provider())
		}
		return nil, apperrors.NewProviderUnavailable("语音服务商不可达").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, apperrors.NewProviderRejected(g.Provider(), string(msg))
	}

	var out voicerStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.NewProviderRejected(g.Provider(), "响应格式无法解析")
	}

	result := &PollResult{Progress: out.Progress, ArtifactURL: out.AudioURL, Err: out.Error}
	switch out.Status {
	case "completed":
		result.State = StateCompleted
	case "failed", "cancelled":
		result.State = StateFailed
	default:
		result.State = StateProcessing
	}
	return result, nil
}

// Cancel 尽力而为地通知服务商停止
func (g *VoicerGateway) Cancel(ctx context.Context, apiKey, correlationID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		g.baseURL+"/voice/cancel/"+correlationID, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		logger.Warn("通知服务商取消失败",
			zap.String("provider", g.Provider()),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return err
	}
	resp.Body.Close()
	return nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
