package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/internal/metrics"
)

// 完成原因
const (
	CompletionReasonManual       = "manual"
	CompletionReasonSignificance = "statistical_significance"
	CompletionReasonCancelled    = "cancelled"
)

// 引擎默认配置
const (
	DefaultConfidence    = 0.95
	DefaultMinEffectSize = 0.05
	DefaultMinSampleSize = 100
)

// AssignContext 分配调用的上下文
// SubjectID 非空且策略为 equal/weighted 时启用粘性分配：
// 同一主体在实验生命周期内始终看到同一变体。老虎机策略忽略该字段。
type AssignContext struct {
	SubjectID  string         `json:"subject_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Engine 实验引擎
// 组合存储、分配策略注册表与显著性分析，驱动实验生命周期。
// 所有变更操作按实验 ID 串行化；读操作在单次锁获取内观察一致快照。
type Engine struct {
	store   ExperimentStore
	logger  *zap.Logger
	metrics *metrics.Collector

	defaultConfidence    float64
	minEffectSize        float64 // 预留：当前不参与自动停止判定
	defaultMinSampleSize int64

	rng   *rand.Rand
	rngMu sync.Mutex

	locks sync.Map // experimentID -> *sync.Mutex
}

// EngineOption 引擎可选配置
type EngineOption func(*Engine)

// WithSeed 固定随机源种子，用于可复现的分配行为
func WithSeed(seed int64) EngineOption {
	return func(e *Engine) {
		e.rng = rand.New(rand.NewSource(seed))
	}
}

// WithDefaultConfidence 设置全局显著性门槛（默认 0.95）
func WithDefaultConfidence(confidence float64) EngineOption {
	return func(e *Engine) {
		if confidence > 0 && confidence < 1 {
			e.defaultConfidence = confidence
		}
	}
}

// WithMinEffectSize 设置最小效应量（当前仅记录，不参与判定）
func WithMinEffectSize(size float64) EngineOption {
	return func(e *Engine) {
		if size >= 0 {
			e.minEffectSize = size
		}
	}
}

// WithDefaultMinSampleSize 设置默认最小样本量（默认 100）
func WithDefaultMinSampleSize(n int64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.defaultMinSampleSize = n
		}
	}
}

// WithMetrics 挂载 Prometheus 指标收集器
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) {
		e.metrics = c
	}
}

// NewEngine 创建实验引擎
// store 为 nil 时使用内存存储；logger 为 nil 时使用 zap.NewNop()。
func NewEngine(store ExperimentStore, logger *zap.Logger, opts ...EngineOption) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:                store,
		logger:               logger,
		defaultConfidence:    DefaultConfidence,
		minEffectSize:        DefaultMinEffectSize,
		defaultMinSampleSize: DefaultMinSampleSize,
		rng:                  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockFor 返回实验的独占锁（按 ID 分段）
func (e *Engine) lockFor(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// =============================================================================
// 生命周期
// =============================================================================

// CreateExperiment 创建实验（DRAFT 状态）
// 未显式设置权重时每个变体默认分得 1/N 流量。
func (e *Engine) CreateExperiment(ctx context.Context, spec ExperimentSpec) (*Experiment, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("experiment name is required")
	}
	if len(spec.Variants) == 0 {
		return nil, ErrNoVariants
	}

	allocation := spec.Allocation
	if allocation == "" {
		allocation = AllocationEqual
	}
	if _, err := StrategyFor(allocation); err != nil {
		return nil, err
	}

	expType := spec.Type
	if expType == "" {
		expType = ExperimentTypeABTest
	}

	minSampleSize := spec.MinSampleSize
	if minSampleSize <= 0 {
		minSampleSize = e.defaultMinSampleSize
	}
	confidenceLevel := spec.ConfidenceLevel
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		confidenceLevel = e.defaultConfidence
	}

	variants, err := buildVariants(spec.Variants)
	if err != nil {
		return nil, err
	}

	exp := &Experiment{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		Description:     spec.Description,
		WorkspaceID:     spec.WorkspaceID,
		Type:            expType,
		Allocation:      allocation,
		Metric:          spec.Metric,
		Variants:        variants,
		Status:          ExperimentStatusDraft,
		MinSampleSize:   minSampleSize,
		ConfidenceLevel: confidenceLevel,
		CreatedAt:       time.Now(),
		Metadata:        spec.Metadata,
	}

	if err := e.store.Save(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusDraft))
	e.logger.Info("experiment created",
		zap.String("id", exp.ID),
		zap.String("name", exp.Name),
		zap.String("allocation", string(allocation)),
		zap.Int("variants", len(exp.Variants)))

	return exp.Clone(), nil
}

// buildVariants 构造变体集合并校验/补全权重
func buildVariants(specs []VariantSpec) ([]Variant, error) {
	variants := make([]Variant, len(specs))
	allZero := true
	var totalWeight float64
	for _, vs := range specs {
		if vs.TrafficAllocation < 0 {
			return nil, fmt.Errorf("%w: variant %q has negative weight", ErrInvalidWeights, vs.Name)
		}
		if vs.TrafficAllocation > 0 {
			allZero = false
		}
		totalWeight += vs.TrafficAllocation
	}
	if !allZero && totalWeight <= 0 {
		return nil, fmt.Errorf("%w: total weight must be positive", ErrInvalidWeights)
	}

	for i, vs := range specs {
		weight := vs.TrafficAllocation
		if allZero {
			weight = 1 / float64(len(specs))
		}
		variants[i] = Variant{
			ID:                uuid.NewString(),
			Name:              vs.Name,
			Description:       vs.Description,
			Config:            vs.Config,
			TrafficAllocation: weight,
		}
	}
	return variants, nil
}

// StartExperiment 启动实验：DRAFT → RUNNING，记录 StartedAt
func (e *Engine) StartExperiment(ctx context.Context, id string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != ExperimentStatusDraft {
		return fmt.Errorf("%w: cannot start experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	now := time.Now()
	exp.Status = ExperimentStatusRunning
	exp.StartedAt = &now

	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusRunning))
	e.logger.Info("experiment started", zap.String("id", id))
	return nil
}

// PauseExperiment 暂停实验：RUNNING → PAUSED
func (e *Engine) PauseExperiment(ctx context.Context, id string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != ExperimentStatusRunning {
		return fmt.Errorf("%w: cannot pause experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	exp.Status = ExperimentStatusPaused
	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusPaused))
	e.logger.Info("experiment paused", zap.String("id", id))
	return nil
}

// ResumeExperiment 恢复实验：PAUSED → RUNNING
func (e *Engine) ResumeExperiment(ctx context.Context, id string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != ExperimentStatusPaused {
		return fmt.Errorf("%w: cannot resume experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	exp.Status = ExperimentStatusRunning
	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusRunning))
	e.logger.Info("experiment resumed", zap.String("id", id))
	return nil
}

// CancelExperiment 取消实验（终态）：任何非终态 → CANCELLED
func (e *Engine) CancelExperiment(ctx context.Context, id, reason string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !exp.Status.CanTransition(ExperimentStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	now := time.Now()
	exp.Status = ExperimentStatusCancelled
	exp.CompletedAt = &now
	if reason == "" {
		reason = CompletionReasonCancelled
	}
	exp.Metadata = setMetadata(exp.Metadata, "completion_reason", reason)

	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusCancelled))
	e.logger.Info("experiment cancelled", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// =============================================================================
// 分配与记录
// =============================================================================

// AssignVariant 为一次请求分配变体
// 只读操作：不修改任何变体统计。实验必须处于 RUNNING 状态。
func (e *Engine) AssignVariant(ctx context.Context, id string, actx AssignContext) (*Variant, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != ExperimentStatusRunning {
		return nil, fmt.Errorf("%w: cannot assign variant in status %q", ErrInvalidTransition, exp.Status)
	}
	if len(exp.Variants) == 0 {
		return nil, ErrNoVariants
	}

	var variantID string
	if actx.SubjectID != "" && (exp.Allocation == AllocationEqual || exp.Allocation == AllocationWeighted) {
		// 粘性分配：同一主体恒定命中同一变体
		variantID = assignByHash(exp, actx.SubjectID, exp.Allocation == AllocationEqual)
	} else {
		strategy, err := StrategyFor(exp.Allocation)
		if err != nil {
			return nil, err
		}
		e.rngMu.Lock()
		variantID, err = strategy.Select(exp, e.rng)
		e.rngMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	variant := exp.VariantByID(variantID)
	if variant == nil {
		return nil, ErrVariantNotFound
	}

	e.metrics.IncAssignment(exp.ID, variant.Name, string(exp.Allocation))
	e.logger.Debug("variant assigned",
		zap.String("experiment", id),
		zap.String("variant", variant.Name),
		zap.String("subject", actx.SubjectID))

	vc := *variant
	return &vc, nil
}

// RecordOutcome 记录一次观测结果
// 追加与随后的自动完成检查在同一次锁获取内执行；maybeComplete 自身幂等，
// 崩溃后重放 CheckSignificance/CompleteExperiment 不会重复完成或重复计数。
func (e *Engine) RecordOutcome(ctx context.Context, id, variantID string, outcome float64, metadata map[string]any) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != ExperimentStatusRunning {
		return fmt.Errorf("%w: cannot record outcome in status %q", ErrInvalidTransition, exp.Status)
	}

	variant := exp.VariantByID(variantID)
	if variant == nil {
		return ErrVariantNotFound
	}

	variant.Stats.Record(outcome)

	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncOutcome(exp.ID, variant.Name)
	e.logger.Debug("outcome recorded",
		zap.String("experiment", id),
		zap.String("variant", variant.Name),
		zap.Float64("outcome", outcome),
		zap.Any("metadata", metadata))

	return e.maybeComplete(ctx, exp)
}

// maybeComplete 幂等的自动完成检查
// 样本总量达到 MinSampleSize 且仍在 RUNNING 时进行显著性判定，
// 判定通过则以 statistical_significance 原因完成实验。
func (e *Engine) maybeComplete(ctx context.Context, exp *Experiment) error {
	if exp.Status != ExperimentStatusRunning {
		return nil
	}
	if exp.TotalSamples() < exp.MinSampleSize {
		return nil
	}

	result, err := e.analyze(exp)
	if err != nil {
		// 变体不足以分析的实验永远不会自动完成
		return nil
	}

	significant := result.Confidence >= e.defaultConfidence && result.Winner != WinnerInconclusive
	e.metrics.IncSignificanceCheck(significant)
	if !significant {
		return nil
	}

	if _, err := e.completeLocked(ctx, exp, result, result.Winner, CompletionReasonSignificance); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// 分析与完成
// =============================================================================

// analyze 执行分析并上报耗时指标
func (e *Engine) analyze(exp *Experiment) (*AnalysisResult, error) {
	start := time.Now()
	result, err := analyzeExperiment(exp)
	e.metrics.ObserveAnalysisDuration(time.Since(start))
	return result, err
}

// AnalyzeExperiment 分析实验，无副作用
// 无新样本写入时重复调用返回完全相同的结果。
func (e *Engine) AnalyzeExperiment(ctx context.Context, id string) (*AnalysisResult, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.analyze(exp)
}

// CheckSignificance 判定实验是否达到显著
// 显著的条件：分析置信度 ≥ 引擎全局门槛，且获胜者不为 inconclusive。
func (e *Engine) CheckSignificance(ctx context.Context, id string) (bool, string, error) {
	result, err := e.AnalyzeExperiment(ctx, id)
	if err != nil {
		return false, "", err
	}
	significant := result.Confidence >= e.defaultConfidence && result.Winner != WinnerInconclusive
	e.metrics.IncSignificanceCheck(significant)
	if !significant {
		return false, "", nil
	}
	return true, result.Winner, nil
}

// CompleteExperiment 完成实验（单向转换）
// winner 为空时采用最终分析的获胜者；重复调用返回 ErrInvalidTransition。
func (e *Engine) CompleteExperiment(ctx context.Context, id, winner, reason string) (*AnalysisResult, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != ExperimentStatusRunning && exp.Status != ExperimentStatusPaused {
		return nil, fmt.Errorf("%w: cannot complete experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	result, err := e.analyze(exp)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = CompletionReasonManual
	}
	return e.completeLocked(ctx, exp, result, winner, reason)
}

// completeLocked 在持锁状态下落地完成转换
func (e *Engine) completeLocked(ctx context.Context, exp *Experiment, result *AnalysisResult, winner, reason string) (*AnalysisResult, error) {
	if winner == "" {
		winner = result.Winner
	}

	now := time.Now()
	exp.Status = ExperimentStatusCompleted
	exp.CompletedAt = &now
	exp.Winner = winner
	exp.Metadata = setMetadata(exp.Metadata, "completion_reason", reason)
	exp.Metadata = setMetadata(exp.Metadata, "final_analysis", map[string]any{
		"winner":         result.Winner,
		"confidence":     result.Confidence,
		"p_value":        result.PValue,
		"lift":           result.Lift,
		"recommendation": result.Recommendation,
	})

	if err := e.store.Save(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	e.metrics.IncTransition(string(ExperimentStatusCompleted))
	e.logger.Info("experiment completed",
		zap.String("id", exp.ID),
		zap.String("winner", winner),
		zap.String("reason", reason),
		zap.Float64("confidence", result.Confidence))

	return result, nil
}

// =============================================================================
// 查询
// =============================================================================

// GetExperiment 按 ID 获取实验快照
func (e *Engine) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	return e.store.Load(ctx, id)
}

// ListExperiments 列出所有实验
func (e *Engine) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	return e.store.List(ctx)
}

// DeleteExperiment 删除实验
// 仅允许删除 DRAFT 或终态实验；运行中的实验需先取消。
func (e *Engine) DeleteExperiment(ctx context.Context, id string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != ExperimentStatusDraft && !exp.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete experiment in status %q", ErrInvalidTransition, exp.Status)
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.locks.Delete(id)
	e.logger.Info("experiment deleted", zap.String("id", id))
	return nil
}

func setMetadata(m map[string]any, key string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	return m
}
