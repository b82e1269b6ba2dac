// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"

	// 模型网关错误类型（对当前步骤都是致命的，本层不重试）
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeEndpointNotFound ErrorType = "endpoint_not_found"
	ErrorTypeNetworkError     ErrorType = "network_error"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
	ErrorTypeEmptyResponse    ErrorType = "empty_response"

	// 解析/生成错误类型
	ErrorTypeMalformedOutput           ErrorType = "malformed_output"
	ErrorTypeStructureGenerationFailed ErrorType = "structure_generation_failed"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码

	// Snippet 保留模型原始输出的前缀，仅用于诊断 malformed_output
	Snippet string
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewUnauthorizedError 创建未授权错误（凭据无效）
func NewUnauthorizedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUnauthorized, message, originalError)
}

// NewEndpointNotFoundError 创建端点不存在错误（接口路径错误）
func NewEndpointNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeEndpointNotFound, message, originalError)
}

// NewNetworkError 创建网络连接错误
func NewNetworkError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNetworkError, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewRateLimitedError 创建限流/配额错误
func NewRateLimitedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeRateLimited, message, originalError)
}

// NewEmptyResponseError 创建空响应错误（后端未返回任何内容）
func NewEmptyResponseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeEmptyResponse, message, originalError)
}

// NewMalformedOutputError 创建格式错误，snippet 保留原始输出前缀用于诊断
func NewMalformedOutputError(message string, snippet string, originalError error) *AppError {
	e := NewAppError(ErrorTypeMalformedOutput, message, originalError)
	e.Snippet = snippet
	return e
}

// NewStructureGenerationFailedError 创建大纲生成失败错误
func NewStructureGenerationFailedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStructureGenerationFailed, message, originalError)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsUnauthorizedError 检查是否为未授权错误
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsEndpointNotFoundError 检查是否为端点不存在错误
func IsEndpointNotFoundError(err error) bool { return isType(err, ErrorTypeEndpointNotFound) }

// IsNetworkError 检查是否为网络错误
func IsNetworkError(err error) bool { return isType(err, ErrorTypeNetworkError) }

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }

// IsRateLimitedError 检查是否为限流错误
func IsRateLimitedError(err error) bool { return isType(err, ErrorTypeRateLimited) }

// IsEmptyResponseError 检查是否为空响应错误
func IsEmptyResponseError(err error) bool { return isType(err, ErrorTypeEmptyResponse) }

// IsMalformedOutputError 检查是否为模型输出格式错误
// 批量生成器只对这一类错误做拆分重试，其余错误原样向上传播
func IsMalformedOutputError(err error) bool { return isType(err, ErrorTypeMalformedOutput) }

// IsStructureGenerationFailedError 检查是否为大纲生成失败
func IsStructureGenerationFailedError(err error) bool {
	return isType(err, ErrorTypeStructureGenerationFailed)
}

// IsGatewayError 检查是否为模型网关层错误（这些错误不做自动重试）
func IsGatewayError(err error) bool {
	var appError *AppError
	if !errors.As(err, &appError) {
		return false
	}
	switch appError.Type {
	case ErrorTypeUnauthorized, ErrorTypeEndpointNotFound, ErrorTypeNetworkError,
		ErrorTypeTimeout, ErrorTypeRateLimited, ErrorTypeEmptyResponse:
		return true
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeUnauthorized:
		return "UNAUTHORIZED"
	case ErrorTypeEndpointNotFound:
		return "ENDPOINT_NOT_FOUND"
	case ErrorTypeNetworkError:
		return "NETWORK_ERROR"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeRateLimited:
		return "RATE_LIMITED"
	case ErrorTypeEmptyResponse:
		return "EMPTY_RESPONSE"
	case ErrorTypeMalformedOutput:
		return "MALFORMED_OUTPUT"
	case ErrorTypeStructureGenerationFailed:
		return "STRUCTURE_GENERATION_FAILED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息，保留原始分类
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Snippet: appError.Snippet,
		}
	}

	return NewAppError(errType, message, err)
}
