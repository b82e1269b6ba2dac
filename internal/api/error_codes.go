// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 会话相关错误
	ErrorSessionNotFound      = "SESSION_NOT_FOUND"
	ErrorSessionCreateFailed  = "SESSION_CREATE_FAILED"
	ErrorSessionVersion       = "SESSION_VERSION_MISMATCH"
	ErrorSessionStateConflict = "SESSION_STATE_CONFLICT"

	// 小节/代理相关错误
	ErrorSectionNotFound = "SECTION_NOT_FOUND"
	ErrorAgentNotFound   = "AGENT_NOT_FOUND"

	// 模型网关相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConnectionFailed      = "CONNECTION_FAILED"
	ErrorGatewayTimeout        = "GATEWAY_TIMEOUT"
	ErrorGatewayRateLimited    = "GATEWAY_RATE_LIMITED"
	ErrorMalformedOutput       = "MALFORMED_OUTPUT"
	ErrorStructureFailed       = "STRUCTURE_GENERATION_FAILED"

	// 导出相关错误
	ErrorExportFailed        = "EXPORT_FAILED"
	ErrorExportFormatInvalid = "EXPORT_FORMAT_INVALID"
	ErrorExportDataEmpty     = "EXPORT_DATA_EMPTY"

	// 配置健康相关
	ErrorConfigUnhealthy    = "CONFIG_UNHEALTHY"
	ErrorConfigNotLoaded    = "CONFIG_NOT_LOADED"
	ErrorLLMProviderMissing = "LLM_PROVIDER_MISSING"
	ErrorAPIKeyMissing      = "API_KEY_MISSING"
)
