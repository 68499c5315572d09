package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/llm"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 编码失败时响应头已写出，无法补救
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应。*llm.Error 按其错误码映射状态码，
// 其余错误一律 500。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status := http.StatusInternalServerError
	info := &ErrorInfo{
		Code:    string(llm.ErrInternal),
		Message: err.Error(),
	}

	var lerr *llm.Error
	if errors.As(err, &lerr) {
		info.Code = string(lerr.Code)
		info.Message = lerr.Message
		info.Retryable = lerr.Retryable
		if lerr.HTTPStatus != 0 {
			status = lerr.HTTPStatus
		} else {
			status = mapErrorCodeToHTTPStatus(lerr.Code)
		}
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", status),
			zap.Bool("retryable", info.Retryable),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code llm.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, &llm.Error{Code: code, Message: message, HTTPStatus: status}, logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code llm.ErrorCode) int {
	switch code {
	case llm.ErrInvalidRequest:
		return http.StatusBadRequest
	case llm.ErrUnauthorized:
		return http.StatusUnauthorized
	case llm.ErrRateLimited:
		return http.StatusTooManyRequests
	case llm.ErrContextLength:
		return http.StatusRequestEntityTooLarge
	case llm.ErrContentFilter:
		return http.StatusUnprocessableEntity
	case llm.ErrModelOverload:
		return http.StatusServiceUnavailable
	case llm.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case llm.ErrUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := &llm.Error{Code: llm.ErrInvalidRequest, Message: "request body is empty"}
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields() // 严格模式：拒绝未知字段

	if err := decoder.Decode(dst); err != nil {
		apiErr := &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "invalid JSON body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// unmarshalStrict 按严格模式解码 JSON 字节（拒绝未知字段）。
func unmarshalStrict(data []byte, dst interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "application/json; charset=utf-8" {
		err := &llm.Error{Code: llm.ErrInvalidRequest, Message: "Content-Type must be application/json"}
		WriteError(w, err, logger)
		return false
	}
	return true
}
