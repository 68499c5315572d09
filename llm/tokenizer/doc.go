// Package tokenizer 提供按模型家族区分的 Token 计数能力，
// OpenAI 家族走 tiktoken 精确计数，Claude/Gemini 走按家族标定的
// 估算器，用于上下文压缩前的 Token 预算判断。
package tokenizer
