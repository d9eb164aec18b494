package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/services"
)

// GenerationController 生成任务接口
type GenerationController struct {
	BaseController
}

// VoiceRequest 语音合成请求体
type VoiceRequest struct {
	Text          string                 `json:"text" validate:"required,max=5000"`
	VoiceID       string                 `json:"voice_id" validate:"required"`
	ModelID       string                 `json:"model_id"`
	VoiceSettings map[string]interface{} `json:"voice_settings"`
}

// ImageRequest 图片生成请求体
type ImageRequest struct {
	Prompt         string `json:"prompt" validate:"required,max=2000"`
	NegativePrompt string `json:"negative_prompt" validate:"max=2000"`
	Model          string `json:"model"`
	Width          int    `json:"width" validate:"omitempty,min=256,max=2048"`
	Height         int    `json:"height" validate:"omitempty,min=256,max=2048"`
	Steps          int    `json:"steps" validate:"omitempty,min=1,max=50"`
	Seed           *int64 `json:"seed"`
}

// 计费：语音按字符数，图片按张
const (
	voiceCreditsPerChar = 1
	imageCreditsPerJob  = 10
)

// SubmitVoice 提交语音合成任务
func (c *GenerationController) SubmitVoice() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}

	var req VoiceRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	cost := int64(len([]rune(req.Text))) * voiceCreditsPerChar
	sreq := &services.SubmitRequest{
		UserID:        userID,
		Category:      models.CategoryVoice,
		Cost:          cost,
		Model:         req.ModelID,
		Text:          req.Text,
		VoiceID:       req.VoiceID,
		VoiceSettings: req.VoiceSettings,
	}
	c.applyAPIKeyLimits(sreq)
	job, err := jobService.Submit(c.Ctx.Request.Context(), sreq)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"job_id":          job.ID,
		"status":          job.Status,
		"credits_charged": job.CreditsCharged,
	})
}

// SubmitImage 提交图片生成任务
func (c *GenerationController) SubmitImage() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}

	var req ImageRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}
	if req.Width == 0 {
		req.Width = 1024
	}
	if req.Height == 0 {
		req.Height = 1024
	}
	if req.Steps == 0 {
		req.Steps = 4
	}

	sreq := &services.SubmitRequest{
		UserID:         userID,
		Category:       models.CategoryImage,
		Cost:           imageCreditsPerJob,
		Model:          req.Model,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
	}
	c.applyAPIKeyLimits(sreq)
	job, err := jobService.Submit(c.Ctx.Request.Context(), sreq)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	resp := map[string]interface{}{
		"job_id":          job.ID,
		"status":          job.Status,
		"credits_charged": job.CreditsCharged,
	}
	if job.ArtifactRef != nil {
		resp["artifact_ref"] = *job.ArtifactRef
	}
	c.JSONSuccess(resp)
}

// GetStatus 查询任务状态
// 排队任务的查询会触发同类别最旧排队任务的晋级尝试（契约行为）
func (c *GenerationController) GetStatus() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	jobID := c.Ctx.Input.Param(":job_id")

	status, err := jobService.GetStatus(c.Ctx.Request.Context(), jobID, userID, false)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(status)
}

// Cancel 取消任务并退款
func (c *GenerationController) Cancel() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	jobID := c.Ctx.Input.Param(":job_id")

	refunded, err := jobService.Cancel(c.Ctx.Request.Context(), jobID, userID, false)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"status":           models.JobStatusCancelled,
		"credits_refunded": refunded,
	})
}

// List 列出当前用户最近任务
func (c *GenerationController) List() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	limit, _ := c.GetInt("limit", 50)

	jobs, err := jobService.ListJobs(c.Ctx.Request.Context(), userID, limit)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
