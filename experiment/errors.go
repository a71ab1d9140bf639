package experiment

import "errors"

// 实验引擎相关错误
var (
	// ErrExperimentNotFound 实验未找到
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrVariantNotFound 变体未找到
	ErrVariantNotFound = errors.New("variant not found")

	// ErrInvalidTransition 非法的状态转换
	ErrInvalidTransition = errors.New("invalid experiment state transition")

	// ErrInsufficientVariants 变体数量不足，无法进行统计分析
	ErrInsufficientVariants = errors.New("insufficient variants for analysis")

	// ErrNoVariants 未定义任何变体
	ErrNoVariants = errors.New("no variants defined")

	// ErrInvalidWeights 变体流量权重无效
	ErrInvalidWeights = errors.New("invalid variant weights")

	// ErrUnknownStrategy 未知的分配策略
	ErrUnknownStrategy = errors.New("unknown allocation strategy")
)
