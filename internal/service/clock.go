package service

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock 时间抽象，便于在测试中替换为可控时钟
// clockwork.Clock 与 *clockwork.FakeClock 均满足该接口
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// NewSystemClock 真实系统时间，Now 统一返回 UTC (日切按 UTC 计算)
func NewSystemClock() Clock {
	return utcClock{Clock: clockwork.NewRealClock()}
}

type utcClock struct {
	clockwork.Clock
}

func (c utcClock) Now() time.Time { return c.Clock.Now().UTC() }
