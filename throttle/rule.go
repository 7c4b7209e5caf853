package throttle

import (
	"fmt"
	"time"
)

// LinkedPool 关联限流池：对该 limit 的每次调用同时消耗关联池的额度。
type LinkedPool struct {
	PoolID string `yaml:"poolId"`
	Weight int    `yaml:"weight"`
}

// Rule 描述一个限流规则。LimitID 同时也是该规则自身的池 ID，
// 其它规则可以通过 LinkedPools 引用它（共享额度的场景，例如交易所的全局权重池）。
type Rule struct {
	LimitID     string        `yaml:"limitId"`
	Capacity    int           `yaml:"capacity"`
	Window      time.Duration `yaml:"window"`
	Weight      int           `yaml:"weight"` // 每次调用消耗的权重，0 视为 1
	LinkedPools []LinkedPool  `yaml:"linkedPools"`
}

func (r Rule) weight() int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

// Validate 检查规则自身的完整性；关联池的存在性在 NewThrottler 里统一校验。
func (r Rule) Validate() error {
	if r.LimitID == "" {
		return fmt.Errorf("throttle: rule limitId is required")
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("throttle: rule %s capacity must be > 0", r.LimitID)
	}
	if r.Window <= 0 {
		return fmt.Errorf("throttle: rule %s window must be > 0", r.LimitID)
	}
	if r.weight() > r.Capacity {
		return fmt.Errorf("throttle: rule %s weight %d exceeds capacity %d", r.LimitID, r.weight(), r.Capacity)
	}
	for _, lp := range r.LinkedPools {
		if lp.PoolID == "" {
			return fmt.Errorf("throttle: rule %s has linked pool without poolId", r.LimitID)
		}
		if lp.Weight <= 0 {
			return fmt.Errorf("throttle: rule %s linked pool %s weight must be > 0", r.LimitID, lp.PoolID)
		}
	}
	return nil
}
