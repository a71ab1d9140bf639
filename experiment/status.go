package experiment

import (
	"context"
	"math"
	"time"
)

// VariantStatus 单个变体的状态投影
type VariantStatus struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Samples int64   `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
}

// StatusReport 实验状态投影（只读）
type StatusReport struct {
	ExperimentID string           `json:"experiment_id"`
	Name         string           `json:"name"`
	Status       ExperimentStatus `json:"status"`
	Progress     float64          `json:"progress"` // min(1, 总样本/最小样本量)
	TotalSamples int64            `json:"total_samples"`
	Variants     []VariantStatus  `json:"variants"`
	Winner       string           `json:"winner,omitempty"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// GetExperimentStatus 获取实验状态投影
// 只读操作，可与其他读操作并发执行。
func (e *Engine) GetExperimentStatus(ctx context.Context, id string) (*StatusReport, error) {
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	total := exp.TotalSamples()
	progress := 0.0
	if exp.MinSampleSize > 0 {
		progress = math.Min(1, float64(total)/float64(exp.MinSampleSize))
	}

	var elapsed time.Duration
	if exp.StartedAt != nil {
		end := time.Now()
		if exp.CompletedAt != nil {
			end = *exp.CompletedAt
		}
		elapsed = end.Sub(*exp.StartedAt)
	}

	report := &StatusReport{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		Progress:     progress,
		TotalSamples: total,
		Winner:       exp.Winner,
		Elapsed:      elapsed,
		Variants:     make([]VariantStatus, len(exp.Variants)),
	}
	for i := range exp.Variants {
		v := &exp.Variants[i]
		report.Variants[i] = VariantStatus{
			ID:      v.ID,
			Name:    v.Name,
			Samples: v.Stats.Count,
			Mean:    v.Stats.Mean(),
			StdDev:  v.Stats.StdDev(),
		}
	}
	return report, nil
}
