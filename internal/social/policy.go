package social

import (
	"sync"
	"time"
)

// healthWindow 记录最近 N 次主通道尝试的成败。
type healthWindow struct {
	size     int
	outcomes []bool
}

func newHealthWindow(size int) *healthWindow {
	if size <= 0 {
		size = 5
	}
	return &healthWindow{size: size}
}

func (w *healthWindow) record(ok bool) {
	w.outcomes = append(w.outcomes, ok)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
}

func (w *healthWindow) failures() int {
	n := 0
	for _, ok := range w.outcomes {
		if !ok {
			n++
		}
	}
	return n
}

func (w *healthWindow) reset() { w.outcomes = w.outcomes[:0] }

// slidingLog 是滚动窗口内的发送尝试日志，重试同样计数。
type slidingLog struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func newSlidingLog(max int, window time.Duration) *slidingLog {
	return &slidingLog{max: max, window: window}
}

func (l *slidingLog) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]
}

// reserve 在未超出上限时登记一次尝试。
func (l *slidingLog) reserve(now time.Time) bool {
	if l.max <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// count 返回窗口内已登记的尝试次数。
func (l *slidingLog) count(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.stamps)
}

// restore 用历史记录的时间戳预热日志，重启后上限依然生效。
func (l *slidingLog) restore(stamps []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stamps = append(l.stamps[:0], stamps...)
}
