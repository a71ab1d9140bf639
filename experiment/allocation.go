package experiment

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// Strategy 分配策略接口
// Select 只读取实验的统计快照，绝不修改；统计只能通过 RecordOutcome 变化。
// rng 由引擎注入，可固定种子以获得可复现的测试行为。
type Strategy interface {
	// Select 返回下一个应被服务的变体 ID
	Select(exp *Experiment, rng *rand.Rand) (string, error)
}

// strategyRegistry 策略注册表
// 封闭集合：新增老虎机算法时在此注册一个条目，而不是修改分支链。
var strategyRegistry = map[AllocationStrategy]Strategy{
	AllocationEqual:    equalStrategy{},
	AllocationWeighted: weightedStrategy{},
	AllocationThompson: thompsonStrategy{},
	AllocationUCB1:     ucb1Strategy{},
}

// StrategyFor 按名称查找策略
func StrategyFor(name AllocationStrategy) (Strategy, error) {
	s, ok := strategyRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// =============================================================================
// 均匀分配
// =============================================================================

// equalStrategy 均匀随机分配，忽略流量权重
type equalStrategy struct{}

func (equalStrategy) Select(exp *Experiment, rng *rand.Rand) (string, error) {
	if len(exp.Variants) == 0 {
		return "", ErrNoVariants
	}
	return exp.Variants[rng.Intn(len(exp.Variants))].ID, nil
}

// =============================================================================
// 加权分配
// =============================================================================

// weightedStrategy 按 TrafficAllocation 权重比例随机分配
// 权重不要求预先归一化，在存活变体集合上重新归一化。
type weightedStrategy struct{}

func (weightedStrategy) Select(exp *Experiment, rng *rand.Rand) (string, error) {
	if len(exp.Variants) == 0 {
		return "", ErrNoVariants
	}
	var totalWeight float64
	for i := range exp.Variants {
		if exp.Variants[i].TrafficAllocation < 0 {
			return "", fmt.Errorf("%w: variant %s has negative weight", ErrInvalidWeights, exp.Variants[i].ID)
		}
		totalWeight += exp.Variants[i].TrafficAllocation
	}
	if totalWeight <= 0 {
		return "", fmt.Errorf("%w: total weight must be positive", ErrInvalidWeights)
	}

	threshold := rng.Float64() * totalWeight
	var cumulative float64
	for i := range exp.Variants {
		cumulative += exp.Variants[i].TrafficAllocation
		if threshold < cumulative {
			return exp.Variants[i].ID, nil
		}
	}
	return exp.Variants[len(exp.Variants)-1].ID, nil
}

// =============================================================================
// Thompson 采样
// =============================================================================

// thompsonStrategy Beta-Bernoulli Thompson 采样
// 将 [0,1] 结果视为伯努利奖励：每个变体从 Beta(1+成功数, 1+失败数) 采样，
// 服务采样值最大的变体。无样本的变体退化为 Beta(1,1)=Uniform(0,1)，
// 天然偏向早期探索。越界的聚合值被钳制，保证 Beta 参数始终合法。
type thompsonStrategy struct{}

func (thompsonStrategy) Select(exp *Experiment, rng *rand.Rand) (string, error) {
	if len(exp.Variants) == 0 {
		return "", ErrNoVariants
	}

	bestID := ""
	bestSample := math.Inf(-1)
	for i := range exp.Variants {
		stats := exp.Variants[i].Stats
		// 结果假定在 [0,1]，钳制防止无界指标产生非法参数
		successes := math.Min(math.Max(stats.Sum, 0), float64(stats.Count))
		failures := float64(stats.Count) - successes
		sample := sampleBeta(rng, 1+successes, 1+failures)
		if sample > bestSample {
			bestSample = sample
			bestID = exp.Variants[i].ID
		}
	}
	return bestID, nil
}

// sampleBeta 从 Beta(a,b) 采样：X/(X+Y)，X~Gamma(a), Y~Gamma(b)
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma Marsaglia-Tsang 方法采样 Gamma(shape, 1)
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Gamma(a) = Gamma(a+1) * U^(1/a)
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// =============================================================================
// UCB1
// =============================================================================

// ucb1Strategy 上置信界算法
// 总样本为 0 时均匀引导；存在零样本变体时强制探索（得分无穷大）；
// 否则得分 = 均值 + √(2·ln(总样本)/变体样本)，取 argmax，平局取先遇到者。
type ucb1Strategy struct{}

func (ucb1Strategy) Select(exp *Experiment, rng *rand.Rand) (string, error) {
	if len(exp.Variants) == 0 {
		return "", ErrNoVariants
	}

	total := exp.TotalSamples()
	if total == 0 {
		return exp.Variants[rng.Intn(len(exp.Variants))].ID, nil
	}

	bestID := ""
	bestScore := math.Inf(-1)
	for i := range exp.Variants {
		stats := exp.Variants[i].Stats
		var score float64
		if stats.Count == 0 {
			score = math.Inf(1)
		} else {
			score = stats.Mean() + math.Sqrt(2*math.Log(float64(total))/float64(stats.Count))
		}
		if score > bestScore {
			bestScore = score
			bestID = exp.Variants[i].ID
		}
	}
	return bestID, nil
}

// =============================================================================
// 粘性分配（一致性哈希）
// =============================================================================

// assignByHash 按主体键做一致性哈希分配
// 同一 (experimentID, subject) 总是落在同一变体上，权重决定落点区间。
func assignByHash(exp *Experiment, subject string, uniform bool) string {
	hash := sha256.Sum256([]byte(exp.ID + ":" + subject))
	hashValue := binary.BigEndian.Uint64(hash[:8])
	normalized := float64(hashValue) / float64(^uint64(0))

	var totalWeight float64
	for i := range exp.Variants {
		totalWeight += hashWeight(&exp.Variants[i], uniform)
	}
	if totalWeight <= 0 {
		return exp.Variants[len(exp.Variants)-1].ID
	}

	threshold := normalized * totalWeight
	var cumulative float64
	for i := range exp.Variants {
		cumulative += hashWeight(&exp.Variants[i], uniform)
		if threshold < cumulative {
			return exp.Variants[i].ID
		}
	}
	return exp.Variants[len(exp.Variants)-1].ID
}

func hashWeight(v *Variant, uniform bool) float64 {
	if uniform {
		return 1
	}
	return v.TrafficAllocation
}
