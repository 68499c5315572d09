package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	// 生成指标
	generationsTotal    *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
	generationsActive   prometheus.Gauge
	providerRetriesTotal *prometheus.CounterVec

	// 流式指标
	chunksTotal     *prometheus.CounterVec
	charsEmitted    *prometheus.CounterVec

	// 工具指标
	toolCallsTotal  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec

	// Token 指标
	tokensUsed *prometheus.CounterVec

	// 压缩指标
	compressionsTotal *prometheus.CounterVec
	contextOverflows  prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg。
// reg 为 nil 时使用默认注册表（进程内只能创建一次）。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generations by terminal status",
		},
		[]string{"provider", "model", "status"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"provider", "model"},
	)

	c.generationsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Number of in-flight generations",
		},
	)

	c.providerRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of provider call retries",
		},
		[]string{"provider"},
	)

	c.chunksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of stream chunks emitted downstream",
		},
		[]string{"provider", "model"},
	)

	c.charsEmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chars_emitted_total",
			Help:      "Total characters of generated text emitted",
		},
		[]string{"provider", "model"},
	)

	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	c.toolDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Provider-reported token usage",
		},
		[]string{"provider", "model", "kind"}, // kind: prompt|completion
	)

	c.compressionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressions_total",
			Help:      "Context compressions applied, by tier",
		},
		[]string{"tier"},
	)

	c.contextOverflows = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_overflows_total",
			Help:      "Generations rejected because the current turn alone exceeds the budget",
		},
	)

	return c
}

// GenerationStarted 记录生成开始。
func (c *Collector) GenerationStarted() {
	c.generationsActive.Inc()
}

// GenerationFinished 记录生成终态与耗时。
func (c *Collector) GenerationFinished(provider, model, status string, d time.Duration) {
	c.generationsActive.Dec()
	c.generationsTotal.WithLabelValues(provider, model, status).Inc()
	c.generationDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ChunkEmitted 记录一个下发块与其字符数。
func (c *Collector) ChunkEmitted(provider, model string, chars int) {
	c.chunksTotal.WithLabelValues(provider, model).Inc()
	if chars > 0 {
		c.charsEmitted.WithLabelValues(provider, model).Add(float64(chars))
	}
}

// ProviderRetry 记录一次上游重试。
func (c *Collector) ProviderRetry(provider string) {
	c.providerRetriesTotal.WithLabelValues(provider).Inc()
}

// ToolExecuted 记录一次工具调用。
func (c *Collector) ToolExecuted(tool string, isError bool, d time.Duration) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	c.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// TokensUsed 记录 token 用量。
func (c *Collector) TokensUsed(provider, model string, prompt, completion int) {
	if prompt > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// CompressionApplied 记录一次上下文压缩。
func (c *Collector) CompressionApplied(tier string) {
	c.compressionsTotal.WithLabelValues(tier).Inc()
}

// ContextOverflow 记录一次预检溢出拒绝。
func (c *Collector) ContextOverflow() {
	c.contextOverflows.Inc()
}
