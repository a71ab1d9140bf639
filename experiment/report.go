package experiment

import (
	"context"
	"math"
	"time"
)

// StatisticalReport 详细统计分析报告
type StatisticalReport struct {
	ExperimentID     string               `json:"experiment_id"`
	ExperimentName   string               `json:"experiment_name"`
	Status           ExperimentStatus     `json:"status"`
	TotalSamples     int64                `json:"total_samples"`
	VariantReports   []*VariantReport     `json:"variant_reports"`
	Comparisons      []*VariantComparison `json:"comparisons"`
	Winner           string               `json:"winner,omitempty"`
	WinnerConfidence float64              `json:"winner_confidence,omitempty"`
	Recommendation   string               `json:"recommendation"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

// VariantReport 单一变体的详细统计
type VariantReport struct {
	VariantID    string     `json:"variant_id"`
	VariantName  string     `json:"variant_name"`
	IsControl    bool       `json:"is_control"`
	SampleCount  int64      `json:"sample_count"`
	Mean         float64    `json:"mean"`
	StdDev       float64    `json:"std_dev"`
	ConfInterval [2]float64 `json:"confidence_interval"` // 95% CI
}

// VariantComparison 处理组与对照组的两两比较
type VariantComparison struct {
	ControlName    string  `json:"control_name"`
	TreatmentName  string  `json:"treatment_name"`
	Delta          float64 `json:"delta"`           // treatment - control
	RelativeChange float64 `json:"relative_change"` // 相对对照组的百分比变化
	TStatistic     float64 `json:"t_statistic"`
	PValue         float64 `json:"p_value"`
	Significant    bool    `json:"significant"`
}

// GenerateReport 生成全量统计报告
// 含每个变体的 95% 置信区间以及对照组与每个处理组的两两比较。
func (e *Engine) GenerateReport(ctx context.Context, id string) (*StatisticalReport, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := e.analyze(exp)
	if err != nil {
		return nil, err
	}

	report := &StatisticalReport{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		Status:         exp.Status,
		TotalSamples:   exp.TotalSamples(),
		VariantReports: make([]*VariantReport, 0, len(exp.Variants)),
		Comparisons:    make([]*VariantComparison, 0, len(exp.Variants)-1),
		Recommendation: result.Recommendation,
		GeneratedAt:    time.Now(),
	}
	if result.Significant {
		report.Winner = result.Winner
		report.WinnerConfidence = result.Confidence
	}

	for i := range exp.Variants {
		v := &exp.Variants[i]
		vr := &VariantReport{
			VariantID:   v.ID,
			VariantName: v.Name,
			IsControl:   i == 0,
			SampleCount: v.Stats.Count,
			Mean:        v.Stats.Mean(),
			StdDev:      v.Stats.StdDev(),
		}
		if n := float64(v.Stats.Count); n > 1 {
			// 95% CI: 均值 ± 1.96 * (stddev / √n)
			margin := 1.96 * v.Stats.StdDev() / math.Sqrt(n)
			vr.ConfInterval = [2]float64{vr.Mean - margin, vr.Mean + margin}
		}
		report.VariantReports = append(report.VariantReports, vr)
	}

	control := &exp.Variants[0]
	for i := 1; i < len(exp.Variants); i++ {
		treatment := &exp.Variants[i]
		tStat, pValue := WelchTTest(control.Stats, treatment.Stats)

		delta := treatment.Stats.Mean() - control.Stats.Mean()
		relative := 0.0
		if cm := control.Stats.Mean(); cm != 0 {
			relative = (delta / cm) * 100
		}

		report.Comparisons = append(report.Comparisons, &VariantComparison{
			ControlName:    control.Name,
			TreatmentName:  treatment.Name,
			Delta:          delta,
			RelativeChange: relative,
			TStatistic:     tStat,
			PValue:         pValue,
			Significant:    pValue < (1 - exp.ConfidenceLevel),
		})
	}

	return report, nil
}
