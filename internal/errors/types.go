package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"

	// 准入控制错误
	ErrCodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeConcurrencyLimit ErrorCode = "CONCURRENCY_LIMIT_REACHED"

	// 积分账本错误
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"

	// 任务状态机错误
	ErrCodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// 外部服务商错误
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"

	// 数据库错误
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Type     ErrorType   `json:"type"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 附加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 附加底层错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// New 创建应用错误
func New(code ErrorCode, errType ErrorType, httpCode int, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     errType,
		HTTPCode: httpCode,
	}
}

// NewInsufficientCredits 积分不足
func NewInsufficientCredits(need, have int64) *AppError {
	return New(ErrCodeInsufficientCredits, ErrorTypeBusiness, http.StatusPaymentRequired,
		fmt.Sprintf("积分不足，需要 %d，可用 %d", need, have)).
		WithDetails(map[string]int64{"need": need, "have": have})
}

// NewQuotaExceeded 小时配额已用尽
func NewQuotaExceeded(resetIn int64) *AppError {
	return New(ErrCodeQuotaExceeded, ErrorTypeBusiness, http.StatusTooManyRequests,
		fmt.Sprintf("小时配额已用尽，%d 秒后重置", resetIn)).
		WithDetails(map[string]int64{"reset_in_seconds": resetIn})
}

// NewConcurrencyLimit 并发槽位已满
func NewConcurrencyLimit(reason string) *AppError {
	return New(ErrCodeConcurrencyLimit, ErrorTypeBusiness, http.StatusTooManyRequests, reason)
}

// NewJobNotFound 任务不存在
func NewJobNotFound(jobID string) *AppError {
	return New(ErrCodeJobNotFound, ErrorTypeBusiness, http.StatusNotFound,
		fmt.Sprintf("任务不存在: %s", jobID))
}

// NewInvalidTransition 任务已处于终态，不允许再次变更
func NewInvalidTransition(jobID, status string) *AppError {
	return New(ErrCodeInvalidTransition, ErrorTypeBusiness, http.StatusConflict,
		fmt.Sprintf("任务 %s 当前状态为 %s，不允许该操作", jobID, status))
}

// NewProviderUnavailable 无可用服务商
func NewProviderUnavailable(message string) *AppError {
	return New(ErrCodeProviderUnavailable, ErrorTypeExternal, http.StatusServiceUnavailable, message)
}

// NewProviderTimeout 服务商调用超时
func NewProviderTimeout(provider string) *AppError {
	return New(ErrCodeProviderTimeout, ErrorTypeExternal, http.StatusGatewayTimeout,
		fmt.Sprintf("服务商 %s 调用超时", provider))
}

// NewProviderRejected 服务商拒绝请求
func NewProviderRejected(provider, reason string) *AppError {
	return New(ErrCodeProviderRejected, ErrorTypeExternal, http.StatusBadGateway,
		fmt.Sprintf("服务商 %s 拒绝请求: %s", provider, reason))
}

// NewDatabaseError 数据库错误
func NewDatabaseError(cause error) *AppError {
	return New(ErrCodeDatabaseError, ErrorTypeSystem, http.StatusInternalServerError,
		"数据库操作失败").WithCause(cause)
}

// IsCode 判断错误是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus 提取错误对应的HTTP状态码，非AppError一律按500处理
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}
