// 持续实验引擎为内容/策略变体提供 A/B 测试与多臂老虎机分配能力.
package experiment

import (
	"time"
)

// ExperimentStatus 实验状态
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)

// Terminal 报告状态是否为终态（完成或取消后不可再转换）
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentStatusCompleted || s == ExperimentStatusCancelled
}

// validTransitions 状态机：draft → running → {paused ⇄ running} → completed | cancelled
var validTransitions = map[ExperimentStatus][]ExperimentStatus{
	ExperimentStatusDraft:   {ExperimentStatusRunning, ExperimentStatusCancelled},
	ExperimentStatusRunning: {ExperimentStatusPaused, ExperimentStatusCompleted, ExperimentStatusCancelled},
	ExperimentStatusPaused:  {ExperimentStatusRunning, ExperimentStatusCompleted, ExperimentStatusCancelled},
}

// CanTransition 校验状态转换是否合法
func (s ExperimentStatus) CanTransition(next ExperimentStatus) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// ExperimentType 实验类型
type ExperimentType string

const (
	ExperimentTypeABTest       ExperimentType = "ab_test"
	ExperimentTypeMultivariate ExperimentType = "multivariate"
	ExperimentTypeBandit       ExperimentType = "bandit"
	ExperimentTypeSequential   ExperimentType = "sequential"
)

// AllocationStrategy 流量分配策略名称
type AllocationStrategy string

const (
	AllocationEqual    AllocationStrategy = "equal"
	AllocationWeighted AllocationStrategy = "weighted"
	AllocationThompson AllocationStrategy = "thompson"
	AllocationUCB1     AllocationStrategy = "ucb1"
)

// Variant 实验变体
// 变体在实验创建时固定，之后不可增删；聚合统计只能通过 RecordOutcome 追加。
type Variant struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	TrafficAllocation float64        `json:"traffic_allocation"` // 流量权重
	Stats             VariantStats   `json:"stats"`
}

// Experiment 实验定义
type Experiment struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	WorkspaceID     string             `json:"workspace_id,omitempty"`
	Type            ExperimentType     `json:"type"`
	Allocation      AllocationStrategy `json:"allocation"`
	Metric          string             `json:"metric"`
	Variants        []Variant          `json:"variants"`
	Status          ExperimentStatus   `json:"status"`
	MinSampleSize   int64              `json:"min_sample_size"`
	ConfidenceLevel float64            `json:"confidence_level"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Winner          string             `json:"winner,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// TotalSamples 所有变体的样本总数
func (e *Experiment) TotalSamples() int64 {
	var total int64
	for i := range e.Variants {
		total += e.Variants[i].Stats.Count
	}
	return total
}

// VariantByID 按 ID 查找变体，返回 nil 表示未找到
func (e *Experiment) VariantByID(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Clone 深拷贝实验（含变体与元数据），用于存储边界的快照隔离
func (e *Experiment) Clone() *Experiment {
	cp := *e
	cp.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		vc := v
		if v.Config != nil {
			vc.Config = make(map[string]any, len(v.Config))
			for k, val := range v.Config {
				vc.Config[k] = val
			}
		}
		cp.Variants[i] = vc
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, val := range e.Metadata {
			cp.Metadata[k] = val
		}
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// VariantSpec 创建实验时的变体描述
type VariantSpec struct {
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	TrafficAllocation float64        `json:"traffic_allocation,omitempty"`
}

// ExperimentSpec 创建实验时的描述
// 未填写的字段使用引擎默认值（MinSampleSize、ConfidenceLevel、Type、Allocation）。
type ExperimentSpec struct {
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	WorkspaceID     string             `json:"workspace_id,omitempty"`
	Type            ExperimentType     `json:"type,omitempty"`
	Allocation      AllocationStrategy `json:"allocation,omitempty"`
	Metric          string             `json:"metric,omitempty"`
	Variants        []VariantSpec      `json:"variants"`
	MinSampleSize   int64              `json:"min_sample_size,omitempty"`
	ConfidenceLevel float64            `json:"confidence_level,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}
