package rpc

import (
	"container/list"
	"sync"

	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/rpc")

// SessionConfig 会话上限配置
type SessionConfig struct {
	// MaxSimultaneousSessions 全局会话上限
	MaxSimultaneousSessions int
	// MaxSessionsPerPeer 每节点会话上限
	MaxSessionsPerPeer int
	// CullOldestOnFull 超限时驱逐最旧会话而不是拒绝：全局超限驱逐所有
	// 节点中最旧的会话，每节点超限只驱逐该节点最旧的会话
	CullOldestOnFull bool
}

// DefaultSessionConfig 返回默认配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxSimultaneousSessions: 100,
		MaxSessionsPerPeer:      10,
		CullOldestOnFull:        false,
	}
}

// sessionHandle 会话登记项
type sessionHandle struct {
	peer  types.NodeID
	close func()
	elem  *list.Element
}

// SessionTracker 会话登记表
//
// 驱逐序为 LRU：每次活动把会话移到队尾。
type SessionTracker struct {
	mu      sync.Mutex
	cfg     SessionConfig
	order   *list.List // *sessionHandle，队首最旧
	perPeer map[types.NodeID]int
	total   int
}

// NewSessionTracker 创建会话登记表
func NewSessionTracker(cfg SessionConfig) *SessionTracker {
	return &SessionTracker{
		cfg:     cfg,
		order:   list.New(),
		perPeer: make(map[types.NodeID]int),
	}
}

// Add 登记新会话
//
// closeFn 在会话被驱逐时调用。超出每节点上限时按配置驱逐该节点
// 最旧的会话或返回 ErrTooManySessions。
func (t *SessionTracker) Add(peer types.NodeID, closeFn func()) (*sessionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxSimultaneousSessions > 0 && t.total >= t.cfg.MaxSimultaneousSessions {
		if !t.cfg.CullOldestOnFull {
			return nil, ErrTooManySessions
		}
		t.evictOldestLocked(types.NodeID{})
	}
	if t.cfg.MaxSessionsPerPeer > 0 && t.perPeer[peer] >= t.cfg.MaxSessionsPerPeer {
		if !t.cfg.CullOldestOnFull {
			return nil, ErrTooManySessions
		}
		t.evictOldestLocked(peer)
	}

	h := &sessionHandle{peer: peer, close: closeFn}
	h.elem = t.order.PushBack(h)
	t.perPeer[peer]++
	t.total++
	return h, nil
}

// Touch 标记会话活动，移到 LRU 队尾
func (t *SessionTracker) Touch(h *sessionHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.elem != nil {
		t.order.MoveToBack(h.elem)
	}
}

// Remove 注销会话
func (t *SessionTracker) Remove(h *sessionHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(h)
}

// Count 返回当前会话总数
func (t *SessionTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// CountForPeer 返回指定节点的会话数
func (t *SessionTracker) CountForPeer(peer types.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perPeer[peer]
}

// evictOldestLocked 驱逐最旧会话
//
// peer 为零值时不限节点；否则只驱逐该节点的会话。
func (t *SessionTracker) evictOldestLocked(peer types.NodeID) {
	for e := t.order.Front(); e != nil; e = e.Next() {
		h := e.Value.(*sessionHandle)
		if !peer.IsZero() && !h.peer.Equal(peer) {
			continue
		}
		logger.Debug("驱逐最旧 RPC 会话", "peer", h.peer.ShortString())
		t.removeLocked(h)
		if h.close != nil {
			h.close()
		}
		return
	}
}

func (t *SessionTracker) removeLocked(h *sessionHandle) {
	if h.elem == nil {
		return
	}
	t.order.Remove(h.elem)
	h.elem = nil
	t.perPeer[h.peer]--
	if t.perPeer[h.peer] <= 0 {
		delete(t.perPeer, h.peer)
	}
	t.total--
}
