package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy 指数退避策略
type Policy struct {
	Initial time.Duration // 首次重试间隔
	Max     time.Duration // 最大间隔
	Factor  float64       // 指数因子
	Jitter  float64       // 抖动比例 [0,1]
}

// DefaultPolicy 默认策略：1s 起步，最大 1m，因子 2，抖动 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Compute 计算第 attempt 次重试（从1开始）的等待时长
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64()) // #nosec G404
}

// ComputeWithRand 使用给定随机数计算等待时长，便于测试
// base = initial * factor^(attempt-1)，结果为 min(max, base + base*jitter*r)
func (p Policy) ComputeWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
