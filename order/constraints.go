package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TradingRule 描述交易对的精度与最小名义限制（来自交易所的交易规则接口）。
type TradingRule struct {
	Pair        string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// QuantizePrice 把价格向下对齐到 tick。
func (r TradingRule) QuantizePrice(p decimal.Decimal) decimal.Decimal {
	if r.TickSize.IsPositive() {
		return p.Div(r.TickSize).Floor().Mul(r.TickSize)
	}
	return p
}

// QuantizeAmount 把数量向下对齐到 step。
func (r TradingRule) QuantizeAmount(a decimal.Decimal) decimal.Decimal {
	if r.StepSize.IsPositive() {
		return a.Div(r.StepSize).Floor().Mul(r.StepSize)
	}
	return a
}

// ValidateAmount 检查对齐后的数量是否满足数量约束。
// 市价单没有限价可算名义，只做这一层校验。
func (r TradingRule) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s must be > 0", amount)
	}
	if r.MinQty.IsPositive() && amount.LessThan(r.MinQty) {
		return fmt.Errorf("amount %s < minQty %s", amount, r.MinQty)
	}
	if r.MaxQty.IsPositive() && amount.GreaterThan(r.MaxQty) {
		return fmt.Errorf("amount %s > maxQty %s", amount, r.MaxQty)
	}
	return nil
}

// Validate 检查对齐后的价格/数量是否满足最小数量与最小名义。
func (r TradingRule) Validate(price, amount decimal.Decimal) error {
	if err := r.ValidateAmount(amount); err != nil {
		return err
	}
	if r.MinNotional.IsPositive() && price.Mul(amount).LessThan(r.MinNotional) {
		return fmt.Errorf("notional %s < minNotional %s", price.Mul(amount), r.MinNotional)
	}
	return nil
}
