package experiment

import (
	"fmt"
	"math"
)

// AnalysisResult 实验分析结果
// 不含时间戳：在没有新样本写入的情况下，重复分析返回完全相同的结果。
type AnalysisResult struct {
	ExperimentID     string             `json:"experiment_id"`
	Winner           string             `json:"winner"` // 变体名称或 "inconclusive"
	Significant      bool               `json:"significant"`
	Confidence       float64            `json:"confidence"`
	Lift             float64            `json:"lift"`
	PValue           float64            `json:"p_value"`
	TStatistic       float64            `json:"t_statistic"`
	SampleCounts     map[string]int64   `json:"sample_counts"`
	Means            map[string]float64 `json:"means"`
	StdDevs          map[string]float64 `json:"std_devs"`
	Recommendation   string             `json:"recommendation"`
	StatisticalPower float64            `json:"statistical_power"`
}

// WinnerInconclusive 无法判定获胜者时的占位值
const WinnerInconclusive = "inconclusive"

// WelchTTest 两样本 Welch t 检验（不假设方差相等）
// 任一侧样本数 <2 或标准误为 0 时返回 (0, 1)：视为不确定而非错误，
// 稀疏早期数据是常态。
func WelchTTest(a, b VariantStats) (tStat, pValue float64) {
	if a.Count < 2 || b.Count < 2 {
		return 0, 1
	}

	na := float64(a.Count)
	nb := float64(b.Count)
	va := a.Variance()
	vb := b.Variance()

	se := math.Sqrt(va/na + vb/nb)
	if se == 0 {
		return 0, 1
	}

	tStat = (a.Mean() - b.Mean()) / se

	// Welch–Satterthwaite 自由度
	v1 := va / na
	v2 := vb / nb
	denom := v1*v1/(na-1) + v2*v2/(nb-1)
	df := 1.0
	if denom > 0 {
		df = (v1 + v2) * (v1 + v2) / denom
	}

	return tStat, studentTPValue(math.Abs(tStat), df)
}

// analyzeExperiment 纯函数分析：以 variants[0] 为对照组
// 恰有两个变体时另一个为处理组；多于两个时取均值最高的非对照变体。
func analyzeExperiment(exp *Experiment) (*AnalysisResult, error) {
	if len(exp.Variants) < 2 {
		return nil, fmt.Errorf("%w: got %d, need at least 2", ErrInsufficientVariants, len(exp.Variants))
	}

	control := &exp.Variants[0]
	treatment := &exp.Variants[1]
	if len(exp.Variants) > 2 {
		for i := 2; i < len(exp.Variants); i++ {
			if exp.Variants[i].Stats.Mean() > treatment.Stats.Mean() {
				treatment = &exp.Variants[i]
			}
		}
	}

	tStat, pValue := WelchTTest(control.Stats, treatment.Stats)
	significant := pValue < (1 - exp.ConfidenceLevel)

	controlMean := control.Stats.Mean()
	treatmentMean := treatment.Stats.Mean()

	lift := 0.0
	if controlMean > 0 {
		lift = (treatmentMean - controlMean) / controlMean
	}

	winner := WinnerInconclusive
	if significant {
		switch {
		case treatmentMean > controlMean:
			winner = treatment.Name
		case controlMean > treatmentMean:
			winner = control.Name
		}
	}

	confidence := 0.5
	if significant {
		confidence = 1 - pValue
	}

	total := exp.TotalSamples()
	power := 0.0
	if exp.MinSampleSize > 0 {
		// 粗粒度进度代理，并非严格的功效计算
		power = math.Min(0.99, float64(total)/float64(2*exp.MinSampleSize))
	}

	result := &AnalysisResult{
		ExperimentID:     exp.ID,
		Winner:           winner,
		Significant:      significant,
		Confidence:       confidence,
		Lift:             lift,
		PValue:           pValue,
		TStatistic:       tStat,
		SampleCounts:     make(map[string]int64, len(exp.Variants)),
		Means:            make(map[string]float64, len(exp.Variants)),
		StdDevs:          make(map[string]float64, len(exp.Variants)),
		StatisticalPower: power,
	}
	for i := range exp.Variants {
		v := &exp.Variants[i]
		result.SampleCounts[v.Name] = v.Stats.Count
		result.Means[v.Name] = v.Stats.Mean()
		result.StdDevs[v.Name] = v.Stats.StdDev()
	}
	result.Recommendation = buildRecommendation(result, total, exp.MinSampleSize)

	return result, nil
}

// buildRecommendation 由 (是否显著, 样本量是否达标) 确定性地生成建议文本
func buildRecommendation(result *AnalysisResult, total, minSampleSize int64) string {
	if result.Significant && result.Winner != WinnerInconclusive {
		return fmt.Sprintf("Recommend deploying variant '%s' with %.1f%% confidence.",
			result.Winner, result.Confidence*100)
	}
	if total < minSampleSize {
		return "Insufficient sample size. Continue collecting data for reliable results."
	}
	return "No statistically significant difference detected. Consider continuing the experiment or reviewing hypothesis."
}

// studentTPValue t 分布的双尾 p 值（近似）
// 大自由度时退化为正态近似，否则通过正则化不完全 Beta 函数计算。
func studentTPValue(t, df float64) float64 {
	if df > 100 {
		return 2 * (1 - normalCDF(t))
	}
	x := df / (df + t*t)
	return incompleteBeta(df/2, 0.5, x)
}

// normalCDF 标准正态分布 CDF（Abramowitz & Stegun 近似）
func normalCDF(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// incompleteBeta 正则化不完全 Beta 函数 I_x(a,b)（连分数展开近似）
func incompleteBeta(a, b, x float64) float64 {
	if x <= 0 || x >= 1 {
		return math.Max(0, math.Min(1, x))
	}

	bt := math.Exp(
		lgamma(a+b) - lgamma(a) - lgamma(b) +
			a*math.Log(x) + b*math.Log(1-x),
	)

	if x < (a+1)/(a+b+2) {
		return bt * betaCF(a, b, x) / a
	}
	return 1 - bt*betaCF(b, a, 1-x)/b
}

// betaCF Beta 函数的连分数展开
func betaCF(a, b, x float64) float64 {
	const maxIterations = 100
	const epsilon = 1e-10

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < epsilon {
		d = epsilon
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		m2 := 2 * m
		aa := float64(m) * (b - float64(m)) * x / ((qam + float64(m2)) * (a + float64(m2)))
		d = 1 + aa*d
		if math.Abs(d) < epsilon {
			d = epsilon
		}
		c = 1 + aa/c
		if math.Abs(c) < epsilon {
			c = epsilon
		}
		d = 1 / d
		h *= d * c

		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + float64(m2)) * (qap + float64(m2)))
		d = 1 + aa*d
		if math.Abs(d) < epsilon {
			d = epsilon
		}
		c = 1 + aa/c
		if math.Abs(c) < epsilon {
			c = epsilon
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}

	return h
}

// lgamma 对数 Gamma 函数
func lgamma(x float64) float64 {
	result, _ := math.Lgamma(x)
	return result
}
