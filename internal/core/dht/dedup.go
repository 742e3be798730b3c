package dht

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"
)

// dedupEntry 去重缓存条目
type dedupEntry struct {
	count     int
	firstSeen time.Time
}

// DedupCache 内容哈希去重缓存
//
// 有界 LRU：内容哈希 → (出现次数, 首见时间)。出现次数超过
// 允许值的消息被丢弃。周期性清理早于窗口的条目。
type DedupCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[[32]byte, *dedupEntry]
	allowed int

	hits atomic.Int64
}

// NewDedupCache 创建去重缓存
func NewDedupCache(capacity, allowedOccurrences int) (*DedupCache, error) {
	if capacity <= 0 {
		capacity = 2500
	}
	if allowedOccurrences <= 0 {
		allowedOccurrences = 1
	}
	cache, err := lru.New[[32]byte, *dedupEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &DedupCache{cache: cache, allowed: allowedOccurrences}, nil
}

// ContentHash 计算消息内容哈希
//
// 覆盖传输形态的消息体与消息标签。
func ContentHash(tag uint64, body []byte) [32]byte {
	h := blake3.New(32, nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], tag)
	h.Write(buf[:])
	h.Write(body)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Observe 登记一次出现
//
// 返回 true 表示出现次数已超过允许值，消息应被丢弃。
func (d *DedupCache) Observe(hash [32]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.cache.Get(hash)
	if !ok {
		d.cache.Add(hash, &dedupEntry{count: 1, firstSeen: time.Now()})
		return false
	}
	e.count++
	if e.count > d.allowed {
		d.hits.Add(1)
		return true
	}
	return false
}

// Contains 判断哈希是否在缓存中
func (d *DedupCache) Contains(hash [32]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Contains(hash)
}

// Suppressions 返回累计丢弃次数
func (d *DedupCache) Suppressions() int64 {
	return d.hits.Load()
}

// Len 返回缓存条目数
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// Trim 清除早于窗口的条目
func (d *DedupCache) Trim(olderThan time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int
	for _, key := range d.cache.Keys() {
		e, ok := d.cache.Peek(key)
		if ok && e.firstSeen.Before(cutoff) {
			d.cache.Remove(key)
			removed++
		}
	}
	return removed
}
