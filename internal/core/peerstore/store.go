package peerstore

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/peerstore")

// Filter 查询过滤器
type Filter func(*Peer) bool

// ExcludeOffline 过滤掉标记为离线的节点
func ExcludeOffline() Filter {
	return func(p *Peer) bool { return !p.IsOffline() }
}

// WithFeatures 只保留具备指定能力的节点
func WithFeatures(f types.Features) Filter {
	return func(p *Peer) bool { return p.Features.Has(f) }
}

// Config 存储配置
type Config struct {
	// DatastorePath 数据目录
	DatastorePath string
	// PeerDatabaseName 数据库子目录名
	PeerDatabaseName string
	// InMemory 仅内存模式，测试用
	InMemory bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DatastorePath:    "data",
		PeerDatabaseName: "peer_db",
	}
}

// Store 节点存储
//
// badger 为权威数据，内存索引只为 closest_to/random 查询加速。
// 单写多读：写路径持写锁并同步落盘后更新索引。
type Store struct {
	mu sync.RWMutex

	db     *badger.DB
	peers  map[string]*Peer // 公钥字符串 -> 记录
	closed bool

	rng *rand.Rand
}

// Open 打开节点存储
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(cfg.DatastorePath, cfg.PeerDatabaseName))
	opts = opts.WithLogger(nil).WithSyncWrites(true)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open peer db: %w", err)
	}

	s := &Store{
		db:    db,
		peers: make(map[string]*Peer),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("节点存储已打开", "peers", len(s.peers))
	return s, nil
}

// loadAll 启动时把全量记录装入内存索引
func (s *Store) loadAll() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := decodePeer(val)
				if err != nil {
					logger.Warn("跳过损坏的节点记录", "error", err)
					return nil
				}
				s.peers[string(p.PublicKey)] = p
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert 写入或更新节点记录
//
// 返回前保证落盘。
func (s *Store) Upsert(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	stored := p.Clone()
	if stored.AddedAt.IsZero() {
		if existing, ok := s.peers[string(p.PublicKey)]; ok && !existing.AddedAt.IsZero() {
			stored.AddedAt = existing.AddedAt
		} else {
			stored.AddedAt = time.Now()
		}
	}

	data, err := encodePeer(stored)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(stored.PublicKey), data)
	})
	if err != nil {
		return fmt.Errorf("persist peer: %w", err)
	}

	s.peers[string(stored.PublicKey)] = stored
	return nil
}

// Get 按公钥查找节点
func (s *Store) Get(pub crypto.PublicKey) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p, ok := s.peers[string(pub)]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// GetByNodeID 按 NodeID 查找节点
func (s *Store) GetByNodeID(id types.NodeID) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, p := range s.peers {
		if p.NodeID.Equal(id) {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Exists 判断节点是否存在
func (s *Store) Exists(pub crypto.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[string(pub)]
	return ok
}

// Count 返回节点总数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// ClosestTo 返回距目标最近的至多 n 个节点
//
// 按 XOR 距离升序，排除封禁节点，再应用调用方过滤器。
func (s *Store) ClosestTo(target types.NodeID, n int, filters ...Filter) ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	now := time.Now()
	candidates := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.IsBanned(now) {
			continue
		}
		if !matchesAll(p, filters) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NodeID.Distance(target).Less(candidates[j].NodeID.Distance(target))
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]*Peer, len(candidates))
	for i, p := range candidates {
		out[i] = p.Clone()
	}
	return out, nil
}

// Random 随机返回至多 n 个节点，排除封禁节点
func (s *Store) Random(n int, filters ...Filter) ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	now := time.Now()
	candidates := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.IsBanned(now) {
			continue
		}
		if !matchesAll(p, filters) {
			continue
		}
		candidates = append(candidates, p)
	}

	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]*Peer, len(candidates))
	for i, p := range candidates {
		out[i] = p.Clone()
	}
	return out, nil
}

// Ban 封禁节点
func (s *Store) Ban(pub crypto.PublicKey, duration time.Duration, reason string) error {
	return s.mutate(pub, func(p *Peer) {
		p.Ban = types.BanRecord{Reason: reason, Until: time.Now().Add(duration)}
	})
}

// IsBanned 判断节点是否处于封禁期
func (s *Store) IsBanned(pub crypto.PublicKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[string(pub)]
	return ok && p.IsBanned(time.Now())
}

// MarkOffline 标记节点离线
func (s *Store) MarkOffline(pub crypto.PublicKey) error {
	return s.mutate(pub, func(p *Peer) {
		if p.OfflineSince.IsZero() {
			p.OfflineSince = time.Now()
		}
	})
}

// ClearOffline 清除离线标记
func (s *Store) ClearOffline(pub crypto.PublicKey) error {
	return s.mutate(pub, func(p *Peer) {
		p.OfflineSince = time.Time{}
	})
}

// SetLastSeen 更新最近交互时间并清除离线标记
func (s *Store) SetLastSeen(pub crypto.PublicKey, at time.Time) error {
	return s.mutate(pub, func(p *Peer) {
		p.LastSeen = at
		p.OfflineSince = time.Time{}
	})
}

// PurgeNotSeenSince 删除最近交互早于截止时间的节点，返回删除数
func (s *Store) PurgeNotSeenSince(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var victims []string
	for k, p := range s.peers {
		if !p.LastSeen.IsZero() && p.LastSeen.Before(cutoff) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(k))
		})
		if err != nil {
			return 0, fmt.Errorf("purge peer: %w", err)
		}
		delete(s.peers, k)
	}
	if len(victims) > 0 {
		logger.Info("清理长期未见的节点", "purged", len(victims))
	}
	return len(victims), nil
}

// All 返回全部节点记录
func (s *Store) All() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Clone())
	}
	return out
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

// mutate 读-改-写单条记录
func (s *Store) mutate(pub crypto.PublicKey, fn func(*Peer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p, ok := s.peers[string(pub)]
	if !ok {
		return ErrNotFound
	}

	updated := p.Clone()
	fn(updated)

	data, err := encodePeer(updated)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(updated.PublicKey), data)
	})
	if err != nil {
		return fmt.Errorf("persist peer: %w", err)
	}
	s.peers[string(updated.PublicKey)] = updated
	return nil
}

func matchesAll(p *Peer, filters []Filter) bool {
	for _, f := range filters {
		if !f(p) {
			return false
		}
	}
	return true
}
