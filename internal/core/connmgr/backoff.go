package connmgr

import (
	"math/rand"
	"sync"
	"time"
)

// backoffEntry 单节点退避状态
type backoffEntry struct {
	failures  int
	nextRetry time.Time
}

// backoffTable 每节点指数退避表
//
// 失败次数决定退避时长：base * 2^(failures-1)，带抖动，封顶。
// 连接成功后清除。
type backoffTable struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	jitter  float64
	entries map[string]*backoffEntry
	rng     *rand.Rand
}

func newBackoffTable(base, max time.Duration, jitter float64) *backoffTable {
	return &backoffTable{
		base:    base,
		max:     max,
		jitter:  jitter,
		entries: make(map[string]*backoffEntry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// inBackoff 判断是否处于退避期
func (b *backoffTable) inBackoff(key string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return 0, false
	}
	remaining := time.Until(e.nextRetry)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// recordFailure 记录失败并推进退避窗口
func (b *backoffTable) recordFailure(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &backoffEntry{}
		b.entries[key] = e
	}
	e.failures++

	shift := e.failures - 1
	if shift > 16 {
		shift = 16
	}
	d := b.base * time.Duration(1<<uint(shift))
	if d > b.max {
		d = b.max
	}
	// 抖动：±jitter 比例
	if b.jitter > 0 {
		delta := float64(d) * b.jitter
		d = time.Duration(float64(d) + (b.rng.Float64()*2-1)*delta)
	}

	e.nextRetry = time.Now().Add(d)
	return d
}

// reset 清除退避（连接成功时调用）
func (b *backoffTable) reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// failureCount 返回连续失败次数
func (b *backoffTable) failureCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.failures
	}
	return 0
}
