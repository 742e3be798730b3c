package dht

import (
	"sync"
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// Strategy 广播策略
type Strategy int

const (
	// StrategyDirect 发给指定的单个节点
	StrategyDirect Strategy = iota
	// StrategyClosest 发给距目的最近的 n 个节点
	StrategyClosest
	// StrategyBroadcast 发给 broadcast_factor 个节点：一半最近、一半随机
	StrategyBroadcast
	// StrategyPropagate 发给距目的最近的 propagation_factor 个节点，排除来源
	StrategyPropagate
	// StrategyFlood 发给所有已连接邻居（限速）
	StrategyFlood
)

// String 返回策略的字符串表示
func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyClosest:
		return "closest"
	case StrategyBroadcast:
		return "broadcast"
	case StrategyPropagate:
		return "propagate"
	case StrategyFlood:
		return "flood"
	default:
		return "invalid"
	}
}

// StrategyFor 按消息类型挑选默认策略
func StrategyFor(t types.MessageType) Strategy {
	switch t {
	case types.MsgTypeJoin:
		return StrategyClosest
	case types.MsgTypeDiscovery, types.MsgTypeDiscoveryResponse:
		return StrategyDirect
	case types.MsgTypeSafRequest, types.MsgTypeSafResponse:
		return StrategyDirect
	default:
		return StrategyDirect
	}
}

// Router 目标选择器
type Router struct {
	cfg      Config
	identity *crypto.Identity
	store    *peerstore.Store
	mgr      *connmgr.Manager

	// flood 限速窗口
	floodMu    sync.Mutex
	floodCount int
	floodReset time.Time
}

// NewRouter 创建目标选择器
func NewRouter(cfg Config, identity *crypto.Identity, store *peerstore.Store, mgr *connmgr.Manager) *Router {
	return &Router{cfg: cfg, identity: identity, store: store, mgr: mgr}
}

// SelectPeers 按策略挑选发送目标
//
// exclude 为来源节点（转发时排除）。挑不出任何目标返回
// ErrNoEligiblePeers。
func (r *Router) SelectPeers(strategy Strategy, dest types.NodeID, exclude types.NodeID) ([]*peerstore.Peer, error) {
	switch strategy {
	case StrategyDirect:
		return r.selectDirect(dest)
	case StrategyClosest:
		return r.selectClosest(dest, r.cfg.NumNeighbouringNodes, exclude)
	case StrategyBroadcast:
		return r.selectBroadcast(exclude)
	case StrategyPropagate:
		return r.selectClosest(dest, r.cfg.PropagationFactor, exclude)
	case StrategyFlood:
		return r.selectFlood()
	default:
		return nil, ErrNoEligiblePeers
	}
}

// selectDirect 指定节点
func (r *Router) selectDirect(dest types.NodeID) ([]*peerstore.Peer, error) {
	p, err := r.store.GetByNodeID(dest)
	if err != nil {
		return nil, ErrNoEligiblePeers
	}
	if p.IsBanned(time.Now()) {
		return nil, ErrNoEligiblePeers
	}
	return []*peerstore.Peer{p}, nil
}

// selectClosest 距目的最近的 n 个
func (r *Router) selectClosest(dest types.NodeID, n int, exclude types.NodeID) ([]*peerstore.Peer, error) {
	peers, err := r.store.ClosestTo(dest, n+1, peerstore.ExcludeOffline())
	if err != nil {
		return nil, err
	}
	out := filterExclude(peers, exclude, r.identity.NodeID())
	if len(out) > n {
		out = out[:n]
	}
	if len(out) == 0 {
		return nil, ErrNoEligiblePeers
	}
	return out, nil
}

// selectBroadcast 一半最近、一半随机
func (r *Router) selectBroadcast(exclude types.NodeID) ([]*peerstore.Peer, error) {
	half := r.cfg.BroadcastFactor / 2
	if half == 0 {
		half = 1
	}

	closest, err := r.store.ClosestTo(r.identity.NodeID(), half+1, peerstore.ExcludeOffline())
	if err != nil {
		return nil, err
	}
	closest = filterExclude(closest, exclude, r.identity.NodeID())
	if len(closest) > half {
		closest = closest[:half]
	}

	// 多取 len(closest) 个：随机结果与最近一半重叠时仍能补足 broadcast_factor
	randoms, err := r.store.Random(r.cfg.BroadcastFactor+1, peerstore.ExcludeOffline())
	if err != nil {
		return nil, err
	}
	randoms = filterExclude(randoms, exclude, r.identity.NodeID())

	seen := make(map[types.NodeID]bool, len(closest))
	out := make([]*peerstore.Peer, 0, r.cfg.BroadcastFactor)
	for _, p := range closest {
		seen[p.NodeID] = true
		out = append(out, p)
	}
	for _, p := range randoms {
		if len(out) >= r.cfg.BroadcastFactor {
			break
		}
		if !seen[p.NodeID] {
			seen[p.NodeID] = true
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoEligiblePeers
	}
	return out, nil
}

// selectFlood 所有已连接节点，限速
func (r *Router) selectFlood() ([]*peerstore.Peer, error) {
	if !r.floodAllow() {
		return nil, ErrNoEligiblePeers
	}

	conns := r.mgr.Connections()
	out := make([]*peerstore.Peer, 0, len(conns))
	for _, c := range conns {
		p, err := r.store.Get(c.PublicKey())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrNoEligiblePeers
	}
	return out, nil
}

// floodAllow 滑动窗口限速
func (r *Router) floodAllow() bool {
	r.floodMu.Lock()
	defer r.floodMu.Unlock()

	now := time.Now()
	if now.After(r.floodReset) {
		r.floodReset = now.Add(r.cfg.FloodInterval)
		r.floodCount = 0
	}
	if r.floodCount >= r.cfg.FloodMaxPerInterval {
		return false
	}
	r.floodCount++
	return true
}

// filterExclude 剔除来源节点与自身
func filterExclude(peers []*peerstore.Peer, exclude, self types.NodeID) []*peerstore.Peer {
	out := peers[:0]
	for _, p := range peers {
		if !exclude.IsZero() && p.NodeID.Equal(exclude) {
			continue
		}
		if p.NodeID.Equal(self) {
			continue
		}
		out = append(out, p)
	}
	return out
}
