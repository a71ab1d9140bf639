package experiment

import "math"

// VariantStats 变体运行时聚合统计
// 只保留三个标量（样本数、和、平方和），O(1) 追加，派生均值/方差/标准差。
// 聚合值单调不减；重置的唯一方式是重建实验。
type VariantStats struct {
	Count      int64   `json:"sample_count"`
	Sum        float64 `json:"sum_outcomes"`
	SumSquares float64 `json:"sum_squared_outcomes"`
}

// Record 追加一个观测值
func (s *VariantStats) Record(outcome float64) {
	s.Count++
	s.Sum += outcome
	s.SumSquares += outcome * outcome
}

// Mean 样本均值，无样本时为 0
func (s *VariantStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Variance 总体方差 E[x²]−E[x]²，钳制为非负；样本数 <2 时为 0
func (s *VariantStats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	n := float64(s.Count)
	mean := s.Sum / n
	v := s.SumSquares/n - mean*mean
	// 浮点误差可能产生微小负值
	return math.Max(0, v)
}

// StdDev 标准差
func (s *VariantStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Snapshot 返回三个标量的一致性快照
// 调用方必须持有所属实验的锁，保证三个值来自同一时刻。
func (s *VariantStats) Snapshot() VariantStats {
	return *s
}
