// Package saf 实现存储转发缓冲
//
// 离线目的节点的信封按目的 NodeID 前缀持久化，按优先级区分
// TTL，容量满时先淘汰最旧的低优先级条目。节点重新上线后通过
// 检索请求取回。
package saf

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/dht/saf")

// Config 存储转发配置
type Config struct {
	// Enabled 是否参与存储转发
	Enabled bool

	// DatastorePath 数据目录
	DatastorePath string

	// DatabaseName 数据库子目录名
	DatabaseName string

	// InMemory 仅内存模式，测试用
	InMemory bool

	// Capacity 条目总数上限
	Capacity int

	// NumNeighbouringNodes 只有位于目的节点最近的前 n 个邻居才代存
	NumNeighbouringNodes int

	// MaxReturnedMessages 单次检索返回上限
	MaxReturnedMessages int

	// MaxInflightRequestAge 检索只返回该时长之内存储的消息
	MaxInflightRequestAge time.Duration

	// LowPriorityTTL 低优先级条目的有效期
	LowPriorityTTL time.Duration

	// HighPriorityTTL 高优先级条目的有效期
	HighPriorityTTL time.Duration

	// CompactionInterval 过期清理间隔
	CompactionInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		DatastorePath:         "data",
		DatabaseName:          "saf_db",
		Capacity:              100_000,
		NumNeighbouringNodes:  8,
		MaxReturnedMessages:   100,
		MaxInflightRequestAge: 24 * time.Hour,
		LowPriorityTTL:        6 * time.Hour,
		HighPriorityTTL:       3 * 24 * time.Hour,
		CompactionInterval:    30 * time.Minute,
	}
}

// StoredMessage 持久化条目
type StoredMessage struct {
	// ID 条目标识
	ID string `json:"id"`
	// DestNodeID 目的 NodeID
	DestNodeID []byte `json:"dest_node_id"`
	// Envelope 序列化信封（密文保持密文）
	Envelope []byte `json:"envelope"`
	// Priority 优先级
	Priority types.StoragePriority `json:"priority"`
	// StoredAt 存储时间（Unix 纳秒）
	StoredAt int64 `json:"stored_at"`
	// ExpiresAt 过期时间（Unix 秒）
	ExpiresAt int64 `json:"expires_at"`
}

// ErrFull 容量已满且无可淘汰条目
var ErrFull = fmt.Errorf("saf store full")

// Store 存储转发缓冲
type Store struct {
	mu    sync.Mutex
	cfg   Config
	db    *badger.DB
	count int
	closed bool
}

// Open 打开存储
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(cfg.DatastorePath, cfg.DatabaseName))
	opts = opts.WithLogger(nil).WithSyncWrites(true)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open saf db: %w", err)
	}

	s := &Store{cfg: cfg, db: db}
	s.count, err = s.countEntries()
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("存储转发缓冲已打开", "entries", s.count)
	return s, nil
}

// key 布局：m/<dest-hex>/<stored-at>/<uuid>
func makeKey(dest types.NodeID, storedAt int64, id string) []byte {
	return []byte(fmt.Sprintf("m/%s/%020d/%s", hex.EncodeToString(dest.Bytes()), storedAt, id))
}

func destPrefix(dest types.NodeID) []byte {
	return []byte("m/" + hex.EncodeToString(dest.Bytes()) + "/")
}

// Insert 存入一条信封
//
// 容量满时先淘汰最旧的低优先级条目；没有低优先级可淘汰时，
// 高优先级插入淘汰最旧条目，低优先级插入返回 ErrFull。
func (s *Store) Insert(dest types.NodeID, envelope []byte, priority types.StoragePriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("saf store closed")
	}

	if s.cfg.Capacity > 0 && s.count >= s.cfg.Capacity {
		if err := s.evictLocked(priority); err != nil {
			return err
		}
	}

	now := time.Now()
	ttl := s.cfg.LowPriorityTTL
	if priority == types.PriorityHigh {
		ttl = s.cfg.HighPriorityTTL
	}
	msg := StoredMessage{
		ID:         uuid.NewString(),
		DestNodeID: dest.Bytes(),
		Envelope:   envelope,
		Priority:   priority,
		StoredAt:   now.UnixNano(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(dest, msg.StoredAt, msg.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persist saf message: %w", err)
	}
	s.count++
	return nil
}

// evictLocked 腾出一个位置
func (s *Store) evictLocked(incoming types.StoragePriority) error {
	victim, err := s.findEvictionVictim(incoming)
	if err != nil {
		return err
	}
	if victim == nil {
		return ErrFull
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(victim)
	})
	if err != nil {
		return err
	}
	s.count--
	return nil
}

// findEvictionVictim 选择淘汰对象：最旧的低优先级；
// 没有低优先级且新条目为高优先级时，淘汰最旧条目
func (s *Store) findEvictionVictim(incoming types.StoragePriority) ([]byte, error) {
	var oldestLow, oldestAny []byte
	var oldestLowAt, oldestAnyAt int64

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var msg StoredMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				continue
			}
			key := item.KeyCopy(nil)
			if oldestAny == nil || msg.StoredAt < oldestAnyAt {
				oldestAny, oldestAnyAt = key, msg.StoredAt
			}
			if msg.Priority == types.PriorityLow && (oldestLow == nil || msg.StoredAt < oldestLowAt) {
				oldestLow, oldestLowAt = key, msg.StoredAt
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldestLow != nil {
		return oldestLow, nil
	}
	if incoming == types.PriorityHigh {
		return oldestAny, nil
	}
	return nil, nil
}

// QueryFor 取出目的节点的待取消息
//
// 按存储时间升序，过滤过期与早于 since 的条目，至多 limit 条。
func (s *Store) QueryFor(dest types.NodeID, since time.Time, limit int) ([]*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("saf store closed")
	}
	if limit <= 0 || limit > s.cfg.MaxReturnedMessages {
		limit = s.cfg.MaxReturnedMessages
	}

	now := time.Now().Unix()
	var out []*StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = destPrefix(dest)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var msg StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				continue
			}
			if msg.ExpiresAt != 0 && msg.ExpiresAt < now {
				continue
			}
			if !since.IsZero() && msg.StoredAt < since.UnixNano() {
				continue
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 键内时间戳保证了前缀内有序；跨前缀合并后仍按时间排序
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt < out[j].StoredAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove 删除指定条目
func (s *Store) Remove(msg *StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("saf store closed")
	}
	dest, err := types.NodeIDFromBytes(msg.DestNodeID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(dest, msg.StoredAt, msg.ID))
	})
	if err != nil {
		return err
	}
	if s.count > 0 {
		s.count--
	}
	return nil
}

// Compact 清除过期条目，返回清除数
func (s *Store) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("saf store closed")
	}

	now := time.Now().Unix()
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var msg StoredMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				victims = append(victims, item.KeyCopy(nil))
				continue
			}
			if msg.ExpiresAt != 0 && msg.ExpiresAt < now {
				victims = append(victims, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range victims {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return 0, err
		}
		s.count--
	}
	if len(victims) > 0 {
		logger.Debug("清理过期的存储转发条目", "removed", len(victims))
	}
	return len(victims), nil
}

// Count 返回条目总数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// countEntries 启动时统计条目数
func (s *Store) countEntries() (int, error) {
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if strings.HasPrefix(string(it.Item().Key()), "m/") {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
