package config

import (
	"errors"
	"fmt"
	"time"

	"tickstock-stream/internal/models"
)

// 层级数据源
const (
	SourceCache = "cache"
	SourceStore = "store"
)

// 时间窗口类型
const (
	WindowRolling  = "rolling"
	WindowCalendar = "calendar"
)

// 日历窗口对齐方式（UTC）
const (
	AlignDay   = "day"
	AlignWeek  = "week" // ISO 周，周一开始
	AlignMonth = "month"
)

// Window 层级查询时间窗口
type Window struct {
	Type     string        // rolling | calendar
	Duration time.Duration // rolling: now - Duration
	Align    string        // calendar: day | week | month
}

// TierSettings 单个层级的配置
type TierSettings struct {
	Capacity int
	TTL      time.Duration // 事件未携带 expires_at 时使用，0 表示不过期
	Source   string        // cache | store
	Window   Window
	Timeout  time.Duration // 0 表示按数据源取默认值
	Enabled  bool
}

// DefaultTiers 默认层级配置：短周期层级走缓存 + 滚动窗口，长周期层级走数据库 + 日历窗口
func DefaultTiers(capacity int) map[models.Tier]TierSettings {
	if capacity <= 0 {
		capacity = 1000
	}
	rolling := func(d time.Duration) Window { return Window{Type: WindowRolling, Duration: d} }
	calendar := func(align string) Window { return Window{Type: WindowCalendar, Align: align} }

	return map[models.Tier]TierSettings{
		models.TierIntraday:  {Capacity: capacity, TTL: time.Hour, Source: SourceCache, Window: rolling(30 * time.Minute), Enabled: true},
		models.TierHourly:    {Capacity: capacity, TTL: 4 * time.Hour, Source: SourceCache, Window: rolling(4 * time.Hour), Enabled: true},
		models.TierDaily:     {Capacity: capacity, TTL: 24 * time.Hour, Source: SourceStore, Window: calendar(AlignDay), Enabled: true},
		models.TierWeekly:    {Capacity: capacity, TTL: 7 * 24 * time.Hour, Source: SourceStore, Window: calendar(AlignWeek), Enabled: true},
		models.TierMonthly:   {Capacity: capacity, TTL: 31 * 24 * time.Hour, Source: SourceStore, Window: calendar(AlignMonth), Enabled: true},
		models.TierCombo:     {Capacity: capacity, TTL: 24 * time.Hour, Source: SourceCache, Window: rolling(24 * time.Hour), Enabled: true},
		models.TierIndicator: {Capacity: capacity, TTL: time.Hour, Source: SourceCache, Window: rolling(time.Hour), Enabled: true},
	}
}

func (ts TierSettings) validate() error {
	if ts.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if ts.TTL < 0 {
		return errors.New("ttl must not be negative")
	}
	if ts.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	switch ts.Source {
	case SourceCache, SourceStore:
	default:
		return fmt.Errorf("source must be cache or store, got %q", ts.Source)
	}
	return ts.Window.validate()
}

func (w Window) validate() error {
	switch w.Type {
	case WindowRolling:
		if w.Duration <= 0 {
			return errors.New("rolling window needs a positive duration")
		}
	case WindowCalendar:
		switch w.Align {
		case AlignDay, AlignWeek, AlignMonth:
		default:
			return fmt.Errorf("calendar window align must be day, week or month, got %q", w.Align)
		}
	default:
		return fmt.Errorf("window type must be rolling or calendar, got %q", w.Type)
	}
	return nil
}

// Start 窗口起点
func (w Window) Start(now time.Time) time.Time {
	now = now.UTC()
	if w.Type == WindowRolling {
		return now.Add(-w.Duration)
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch w.Align {
	case AlignWeek:
		offset := (int(day.Weekday()) + 6) % 7 // 周一 = 0
		return day.AddDate(0, 0, -offset)
	case AlignMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}
