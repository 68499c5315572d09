package llm

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与压缩降级策略。
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // 参数/格式错误
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // 未授权或密钥失效
	ErrForbidden      ErrorCode = "LLM_FORBIDDEN"       // 权限或内容策略拒绝
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // 上游限流
	ErrContextLength  ErrorCode = "LLM_CONTEXT_LENGTH"  // 上下文长度超限
	ErrModelOverload  ErrorCode = "LLM_MODEL_OVERLOADED"
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 上游超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
	ErrContentFilter   ErrorCode = "LLM_CONTENT_FILTERED" // 内容安全拦截
	ErrInternal        ErrorCode = "LLM_INTERNAL"         // 本地内部错误
)

// Error 是适配器边界产生的统一错误。
// Retryable 的判定发生在适配器（状态码映射表），重试动作发生在
// 编排层 —— 适配器自身永不重试。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsContextLength reports whether the error is a context-length rejection,
// which triggers the orchestrator's stricter-compression fallback.
func (e *Error) IsContextLength() bool { return e.Code == ErrContextLength }

// TransportError builds a retryable transport-level error (timeout,
// connection reset, unreachable upstream).
func TransportError(provider, msg string) *Error {
	return &Error{
		Code:      ErrUpstreamError,
		Message:   msg,
		Retryable: true,
		Provider:  provider,
	}
}
