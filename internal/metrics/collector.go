// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 实验指标收集器
// =============================================================================

// Collector 实验引擎指标收集器
// nil 收集器的所有方法均为空操作，未挂载指标的引擎可以安全调用。
type Collector struct {
	// 分配指标
	assignmentsTotal *prometheus.CounterVec

	// 结果指标
	outcomesTotal *prometheus.CounterVec

	// 生命周期指标
	transitionsTotal *prometheus.CounterVec

	// 显著性判定指标
	significanceChecksTotal *prometheus.CounterVec

	// 分析耗时
	analysisDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return newCollector(namespace, logger, prometheus.DefaultRegisterer)
}

// NewCollectorWith 创建指标收集器并注册到指定 Registry（测试用）
func NewCollectorWith(namespace string, logger *zap.Logger, reg prometheus.Registerer) *Collector {
	return newCollector(namespace, logger, reg)
}

func newCollector(namespace string, logger *zap.Logger, reg prometheus.Registerer) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.assignmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total number of variant assignments",
		},
		[]string{"experiment", "variant", "strategy"},
	)

	c.outcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of recorded outcomes",
		},
		[]string{"experiment", "variant"},
	)

	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_transitions_total",
			Help:      "Total number of experiment status transitions",
		},
		[]string{"status"},
	)

	c.significanceChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "significance_checks_total",
			Help:      "Total number of significance checks by result",
		},
		[]string{"result"},
	)

	c.analysisDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of experiment analysis",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 10, 7),
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// IncAssignment 记录一次变体分配
func (c *Collector) IncAssignment(experiment, variant, strategy string) {
	if c == nil {
		return
	}
	c.assignmentsTotal.WithLabelValues(experiment, variant, strategy).Inc()
}

// IncOutcome 记录一次结果写入
func (c *Collector) IncOutcome(experiment, variant string) {
	if c == nil {
		return
	}
	c.outcomesTotal.WithLabelValues(experiment, variant).Inc()
}

// IncTransition 记录一次状态转换
func (c *Collector) IncTransition(status string) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(status).Inc()
}

// IncSignificanceCheck 记录一次显著性判定
func (c *Collector) IncSignificanceCheck(significant bool) {
	if c == nil {
		return
	}
	result := "not_significant"
	if significant {
		result = "significant"
	}
	c.significanceChecksTotal.WithLabelValues(result).Inc()
}

// ObserveAnalysisDuration 记录分析耗时
func (c *Collector) ObserveAnalysisDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.analysisDuration.Observe(d.Seconds())
}
