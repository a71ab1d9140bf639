package experiment

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithSeed(42)}, opts...)
	return NewEngine(NewMemoryStore(), zap.NewNop(), opts...)
}

func twoVariantSpec(allocation AllocationStrategy) ExperimentSpec {
	return ExperimentSpec{
		Name:       "Test Experiment",
		Allocation: allocation,
		Metric:     "conversion",
		Variants: []VariantSpec{
			{Name: "control"},
			{Name: "treatment"},
		},
	}
}

// mustCreateRunning 创建并启动实验
func mustCreateRunning(t *testing.T, e *Engine, spec ExperimentSpec) *Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := e.CreateExperiment(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, e.StartExperiment(ctx, exp.ID))
	return exp
}

func TestCreateExperimentDefaults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp, err := e.CreateExperiment(ctx, ExperimentSpec{
		Name: "Defaults",
		Variants: []VariantSpec{
			{Name: "a"}, {Name: "b"}, {Name: "c"},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, exp.ID)
	assert.Equal(t, ExperimentStatusDraft, exp.Status)
	assert.Equal(t, ExperimentTypeABTest, exp.Type)
	assert.Equal(t, AllocationEqual, exp.Allocation)
	assert.Equal(t, int64(100), exp.MinSampleSize)
	assert.Equal(t, 0.95, exp.ConfidenceLevel)
	assert.False(t, exp.CreatedAt.IsZero())
	assert.Nil(t, exp.StartedAt)

	// 场景：3 个变体未显式设权重 → 每个恰为 1/3
	require.Len(t, exp.Variants, 3)
	for _, v := range exp.Variants {
		assert.Equal(t, 1.0/3, v.TrafficAllocation)
		assert.NotEmpty(t, v.ID)
	}
}

func TestCreateExperimentExplicitWeights(t *testing.T) {
	e := newTestEngine(t)

	exp, err := e.CreateExperiment(context.Background(), ExperimentSpec{
		Name:       "Weighted",
		Allocation: AllocationWeighted,
		Variants: []VariantSpec{
			{Name: "a", TrafficAllocation: 0.7},
			{Name: "b", TrafficAllocation: 0.3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, exp.Variants[0].TrafficAllocation)
	assert.Equal(t, 0.3, exp.Variants[1].TrafficAllocation)
}

func TestCreateExperimentValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		spec    ExperimentSpec
		wantErr error
	}{
		{
			name: "no variants",
			spec: ExperimentSpec{Name: "x"},
			wantErr: ErrNoVariants,
		},
		{
			name: "negative weight",
			spec: ExperimentSpec{
				Name: "x",
				Variants: []VariantSpec{
					{Name: "a", TrafficAllocation: -0.5},
					{Name: "b", TrafficAllocation: 1.5},
				},
			},
			wantErr: ErrInvalidWeights,
		},
		{
			name: "unknown strategy",
			spec: ExperimentSpec{
				Name:       "x",
				Allocation: "epsilon-greedy",
				Variants:   []VariantSpec{{Name: "a"}, {Name: "b"}},
			},
			wantErr: ErrUnknownStrategy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateExperiment(ctx, tt.spec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := e.CreateExperiment(ctx, ExperimentSpec{Variants: []VariantSpec{{Name: "a"}}})
	assert.Error(t, err) // 名称必填
}

func TestExperimentLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp, err := e.CreateExperiment(ctx, twoVariantSpec(AllocationEqual))
	require.NoError(t, err)

	// 开始
	require.NoError(t, e.StartExperiment(ctx, exp.ID))
	loaded, err := e.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, ExperimentStatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)

	// 暂停
	require.NoError(t, e.PauseExperiment(ctx, exp.ID))
	loaded, _ = e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, ExperimentStatusPaused, loaded.Status)

	// 恢复
	require.NoError(t, e.ResumeExperiment(ctx, exp.ID))
	loaded, _ = e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, ExperimentStatusRunning, loaded.Status)

	// 完成
	result, err := e.CompleteExperiment(ctx, exp.ID, "", "")
	require.NoError(t, err)
	assert.NotNil(t, result)
	loaded, _ = e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, ExperimentStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
	assert.Equal(t, CompletionReasonManual, loaded.Metadata["completion_reason"])
}

func TestInvalidTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp, err := e.CreateExperiment(ctx, twoVariantSpec(AllocationEqual))
	require.NoError(t, err)

	// DRAFT 不能暂停/恢复/完成
	assert.ErrorIs(t, e.PauseExperiment(ctx, exp.ID), ErrInvalidTransition)
	assert.ErrorIs(t, e.ResumeExperiment(ctx, exp.ID), ErrInvalidTransition)
	_, err = e.CompleteExperiment(ctx, exp.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// RUNNING 不能重复启动
	require.NoError(t, e.StartExperiment(ctx, exp.ID))
	assert.ErrorIs(t, e.StartExperiment(ctx, exp.ID), ErrInvalidTransition)
}

func TestCompleteIsOneWay(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	_, err := e.CompleteExperiment(ctx, exp.ID, "control", "")
	require.NoError(t, err)

	// 完成后一切变更操作都被拒绝
	assert.ErrorIs(t, e.StartExperiment(ctx, exp.ID), ErrInvalidTransition)
	assert.ErrorIs(t, e.RecordOutcome(ctx, exp.ID, exp.Variants[0].ID, 1.0, nil), ErrInvalidTransition)
	_, err = e.CompleteExperiment(ctx, exp.ID, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, e.CancelExperiment(ctx, exp.ID, ""), ErrInvalidTransition)
}

func TestRecordOutcomeOnCancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	require.NoError(t, e.CancelExperiment(ctx, exp.ID, "abandoned"))

	// 场景：对 CANCELLED 实验记录结果必须失败
	err := e.RecordOutcome(ctx, exp.ID, exp.Variants[0].ID, 1.0, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	loaded, _ := e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, "abandoned", loaded.Metadata["completion_reason"])
}

func TestRecordOutcomeNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.RecordOutcome(ctx, "missing", "v", 1.0, nil)
	assert.ErrorIs(t, err, ErrExperimentNotFound)

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	err = e.RecordOutcome(ctx, exp.ID, "missing-variant", 1.0, nil)
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

func TestRecordOutcomeAggregates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	variantID := exp.Variants[0].ID

	for _, v := range []float64{0.2, 0.4, 0.6} {
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, variantID, v, map[string]any{"source": "unit"}))
	}

	loaded, err := e.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	stats := loaded.VariantByID(variantID).Stats
	assert.Equal(t, int64(3), stats.Count)
	assert.InDelta(t, 1.2, stats.Sum, 1e-12)
	assert.InDelta(t, 0.4, stats.Mean(), 1e-12)
}

func TestAssignVariantRequiresRunning(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp, err := e.CreateExperiment(ctx, twoVariantSpec(AllocationEqual))
	require.NoError(t, err)

	_, err = e.AssignVariant(ctx, exp.ID, AssignContext{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = e.AssignVariant(ctx, "missing", AssignContext{})
	assert.ErrorIs(t, err, ErrExperimentNotFound)
}

func TestAssignVariantReadOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationThompson))
	for i := 0; i < 100; i++ {
		_, err := e.AssignVariant(ctx, exp.ID, AssignContext{})
		require.NoError(t, err)
	}

	// 分配绝不修改统计
	loaded, _ := e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, int64(0), loaded.TotalSamples())
}

func TestAssignVariantSticky(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, ExperimentSpec{
		Name:       "Sticky",
		Allocation: AllocationWeighted,
		Variants: []VariantSpec{
			{Name: "control", TrafficAllocation: 0.5},
			{Name: "treatment", TrafficAllocation: 0.5},
		},
	})

	// 同一主体在多次分配中恒定命中同一变体
	first, err := e.AssignVariant(ctx, exp.ID, AssignContext{SubjectID: "user-1"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		v, err := e.AssignVariant(ctx, exp.ID, AssignContext{SubjectID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, v.ID)
	}

	// 不同主体会分布到不同变体
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		v, err := e.AssignVariant(ctx, exp.ID, AssignContext{SubjectID: fmt.Sprintf("user-%d", i)})
		require.NoError(t, err)
		seen[v.Name] = true
	}
	assert.Len(t, seen, 2)
}

// feedSignificantOutcomes 写入 control 均值 0.1 / treatment 均值 0.9 的样本
func feedSignificantOutcomes(t *testing.T, e *Engine, exp *Experiment, perVariant int) {
	t.Helper()
	ctx := context.Background()
	control, treatment := exp.Variants[0].ID, exp.Variants[1].ID
	for i := 0; i < perVariant; i++ {
		outcome := 0.0
		if i == 0 {
			outcome = 1.0
		}
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, control, outcome, nil))
	}
	for i := 0; i < perVariant; i++ {
		outcome := 1.0
		if i == 0 {
			outcome = 0.0
		}
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, treatment, outcome, nil))
	}
}

func TestAutoCompleteOnSignificance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 20
	exp := mustCreateRunning(t, e, spec)

	feedSignificantOutcomes(t, e, exp, 10)

	// 第 20 个样本触发显著性判定并自动完成
	loaded, err := e.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, ExperimentStatusCompleted, loaded.Status)
	assert.Equal(t, "treatment", loaded.Winner)
	assert.Equal(t, CompletionReasonSignificance, loaded.Metadata["completion_reason"])
	require.NotNil(t, loaded.CompletedAt)

	// 完成后继续记录被拒绝
	err = e.RecordOutcome(ctx, exp.ID, exp.Variants[0].ID, 1.0, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNoAutoCompleteBeforeMinSampleSize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 1000
	exp := mustCreateRunning(t, e, spec)

	feedSignificantOutcomes(t, e, exp, 10)

	loaded, _ := e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, ExperimentStatusRunning, loaded.Status)
	assert.Empty(t, loaded.Winner)
}

func TestNoAutoCompleteWhenInconclusive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 20
	exp := mustCreateRunning(t, e, spec)

	// 两个变体表现几乎一致
	control, treatment := exp.Variants[0].ID, exp.Variants[1].ID
	for i := 0; i < 15; i++ {
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, control, float64(i%2), nil))
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, treatment, float64((i+1)%2), nil))
	}

	loaded, _ := e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, ExperimentStatusRunning, loaded.Status)
}

func TestAnalyzeIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 1000
	exp := mustCreateRunning(t, e, spec)
	feedSignificantOutcomes(t, e, exp, 10)

	first, err := e.AnalyzeExperiment(ctx, exp.ID)
	require.NoError(t, err)
	second, err := e.AnalyzeExperiment(ctx, exp.ID)
	require.NoError(t, err)

	// 无新样本时重复分析返回完全相同的结果
	assert.Equal(t, first, second)
}

func TestCheckSignificance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 1000 // 阻止自动完成
	exp := mustCreateRunning(t, e, spec)

	significant, winner, err := e.CheckSignificance(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, significant)
	assert.Empty(t, winner)

	feedSignificantOutcomes(t, e, exp, 50)

	significant, winner, err = e.CheckSignificance(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, significant)
	assert.Equal(t, "treatment", winner)
}

func TestCompleteExperimentWinnerOverride(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	result, err := e.CompleteExperiment(ctx, exp.ID, "control", "early_stop")
	require.NoError(t, err)
	assert.Equal(t, WinnerInconclusive, result.Winner)

	loaded, _ := e.GetExperiment(ctx, exp.ID)
	assert.Equal(t, "control", loaded.Winner)
	assert.Equal(t, "early_stop", loaded.Metadata["completion_reason"])
}

func TestCompleteFromPaused(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exp := mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	require.NoError(t, e.PauseExperiment(ctx, exp.ID))

	_, err := e.CompleteExperiment(ctx, exp.ID, "", "")
	require.NoError(t, err)
}

func TestGetExperimentStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 10
	exp := mustCreateRunning(t, e, spec)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, exp.Variants[0].ID, 0.5, nil))
	}

	status, err := e.GetExperimentStatus(ctx, exp.ID)
	require.NoError(t, err)

	assert.Equal(t, ExperimentStatusRunning, status.Status)
	assert.Equal(t, int64(5), status.TotalSamples)
	assert.InDelta(t, 0.5, status.Progress, 1e-12)
	assert.GreaterOrEqual(t, status.Elapsed.Nanoseconds(), int64(0))
	require.Len(t, status.Variants, 2)
	assert.Equal(t, int64(5), status.Variants[0].Samples)
	assert.InDelta(t, 0.5, status.Variants[0].Mean, 1e-12)
	assert.Equal(t, int64(0), status.Variants[1].Samples)
}

func TestStatusProgressCapped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 4
	exp := mustCreateRunning(t, e, spec)

	// 样本远超最小样本量但不显著：进度封顶为 1
	control, treatment := exp.Variants[0].ID, exp.Variants[1].ID
	for i := 0; i < 10; i++ {
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, control, float64(i%2), nil))
		require.NoError(t, e.RecordOutcome(ctx, exp.ID, treatment, float64(i%2), nil))
	}

	status, err := e.GetExperimentStatus(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, status.Progress)
}

func TestDeleteExperimentRules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// DRAFT 可删除
	exp, err := e.CreateExperiment(ctx, twoVariantSpec(AllocationEqual))
	require.NoError(t, err)
	require.NoError(t, e.DeleteExperiment(ctx, exp.ID))
	_, err = e.GetExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, ErrExperimentNotFound)

	// RUNNING 不可删除，取消后可以
	exp = mustCreateRunning(t, e, twoVariantSpec(AllocationEqual))
	assert.ErrorIs(t, e.DeleteExperiment(ctx, exp.ID), ErrInvalidTransition)
	require.NoError(t, e.CancelExperiment(ctx, exp.ID, ""))
	require.NoError(t, e.DeleteExperiment(ctx, exp.ID))
}

func TestListExperiments(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		spec := twoVariantSpec(AllocationEqual)
		spec.Name = fmt.Sprintf("exp-%d", i)
		_, err := e.CreateExperiment(ctx, spec)
		require.NoError(t, err)
	}

	experiments, err := e.ListExperiments(ctx)
	require.NoError(t, err)
	assert.Len(t, experiments, 3)
}

func TestConcurrentRecordOutcome(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 100000 // 阻止自动完成
	exp := mustCreateRunning(t, e, spec)

	const workers = 8
	const perWorker = 50

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			variantID := exp.Variants[w%2].ID
			for i := 0; i < perWorker; i++ {
				if err := e.RecordOutcome(ctx, exp.ID, variantID, 0.5, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// 并发写入无丢失更新
	loaded, err := e.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), loaded.TotalSamples())
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	spec := twoVariantSpec(AllocationEqual)
	spec.MinSampleSize = 100000
	exp := mustCreateRunning(t, e, spec)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if err := e.RecordOutcome(ctx, exp.ID, exp.Variants[0].ID, 1.0, nil); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			status, err := e.GetExperimentStatus(ctx, exp.ID)
			if err != nil {
				return err
			}
			// 快照一致性：均值只可能是 0（无样本）或 1
			for _, v := range status.Variants {
				if v.Samples > 0 && v.Mean != 1.0 {
					return fmt.Errorf("inconsistent snapshot: samples=%d mean=%v", v.Samples, v.Mean)
				}
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}
