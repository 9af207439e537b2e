package models

import (
	"errors"
	"fmt"
	"strings"
)

// Tier 检测分类层级（决定缓存、展示列和查询时间窗口）
type Tier string

const (
	TierIntraday  Tier = "intraday"
	TierHourly    Tier = "hourly"
	TierDaily     Tier = "daily"
	TierWeekly    Tier = "weekly"
	TierMonthly   Tier = "monthly"
	TierCombo     Tier = "combo"
	TierIndicator Tier = "indicator"
)

// TimeframeAll scan 接口中表示全部层级的取值（大小写不敏感）
const TimeframeAll = "all"

// ErrUnknownTier 未知的层级名称
var ErrUnknownTier = errors.New("unknown tier")

// AllTiers 全部已知层级（固定顺序，用于响应输出）
func AllTiers() []Tier {
	return []Tier{TierIntraday, TierHourly, TierDaily, TierWeekly, TierMonthly, TierCombo, TierIndicator}
}

// ParseTier 将外部输入规范化为标准层级名（去空格、小写）
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Valid 是否为已知层级
func (t Tier) Valid() bool {
	switch t {
	case TierIntraday, TierHourly, TierDaily, TierWeekly, TierMonthly, TierCombo, TierIndicator:
		return true
	}
	return false
}

func (t Tier) String() string { return string(t) }
