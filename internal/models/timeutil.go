package models

import (
	"math"
	"time"
)

// UnixFloatToTime 将 unix 秒（浮点）转换为 time.Time（UTC）
func UnixFloatToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// TimeToUnixFloat 将 time.Time 转换为 unix 秒（浮点，微秒精度）
func TimeToUnixFloat(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
