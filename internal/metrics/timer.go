package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer 计时辅助
type Timer struct {
	start time.Time
}

// NewTimer 创建并开始计时
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration 已经过的时间
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration 记录到 histogram 并返回耗时
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	d := t.Duration()
	o.Observe(d.Seconds())
	return d
}
