package subscription

import "time"

const (
	DefaultChurnWindow         = time.Second
	DefaultMaxChangesPerWindow = 20
)

// Option Manager 选项
type Option func(*Manager)

// WithChurnLimit 描述符在 window 内变更超过 max 次视为不稳定
func WithChurnLimit(window time.Duration, max int) Option {
	return func(m *Manager) {
		if window > 0 {
			m.churnWindow = window
		}
		if max > 0 {
			m.maxChanges = max
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}
