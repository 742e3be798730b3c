// Package connectivity 维护连接健康视图与整体连通状态
//
// 服务订阅连接管理器的事件，跟踪每个节点的健康度
// （Online/Retrying/Offline），驱动重连，维护邻居池与随机池，
// 并在状态变化时广播 ConnectivityStateChanged。
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/connectivity")

// peerState 单节点跟踪状态
type peerState struct {
	health   types.ConnectionHealth
	failures int
}

// Service 连通性服务
type Service struct {
	cfg      Config
	identity *crypto.Identity
	mgr      *connmgr.Manager
	store    *peerstore.Store
	bus      *eventbus.Bus
	clock    clock.Clock

	mu        sync.RWMutex
	state     types.ConnectivityState
	peers     map[types.NodeID]*peerState
	neighbours []types.NodeID
	randoms    []types.NodeID

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	shutdown  chan struct{}
	doneCh    chan struct{}
}

// New 创建连通性服务
func New(cfg Config, identity *crypto.Identity, mgr *connmgr.Manager, store *peerstore.Store, bus *eventbus.Bus) *Service {
	return &Service{
		cfg:      cfg,
		identity: identity,
		mgr:      mgr,
		store:    store,
		bus:      bus,
		clock:    clock.New(),
		state:    types.ConnectivityInitializing,
		peers:    make(map[types.NodeID]*peerState),
		shutdown: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetClock 注入时钟，测试用
func (s *Service) SetClock(c clock.Clock) { s.clock = c }

// Start 启动服务主循环
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
}

// State 返回整体连通状态
func (s *Service) State() types.ConnectivityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HealthOf 返回节点健康度
func (s *Service) HealthOf(id types.NodeID) types.ConnectionHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.peers[id]; ok {
		return st.health
	}
	return types.HealthOffline
}

// NeighbourPool 返回当前邻居池
func (s *Service) NeighbourPool() []types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.NodeID(nil), s.neighbours...)
}

// RandomPool 返回当前随机池
func (s *Service) RandomPool() []types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.NodeID(nil), s.randoms...)
}

// run 主循环：事件、巡检定时器、随机池定时器
func (s *Service) run() {
	defer close(s.doneCh)

	sub, err := s.bus.Subscribe()
	if err != nil {
		logger.Error("订阅事件失败", "error", err)
		return
	}
	defer sub.Close()

	refresh := s.clock.Ticker(s.cfg.PoolRefreshInterval)
	defer refresh.Stop()
	randomRefresh := s.clock.Ticker(s.cfg.RandomPoolRefreshInterval)
	defer randomRefresh.Stop()

	s.refreshPools()
	s.updateState()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-refresh.C:
			s.refreshPools()
			s.maintainPools()
			s.reapConnections()
			s.expirePeers()
			s.checkTransportRatio()
			s.updateState()
		case <-randomRefresh.C:
			s.refreshRandomPool()
		case <-s.shutdown:
			return
		}
	}
}

// handleEvent 处理单个连通性事件
func (s *Service) handleEvent(ev types.ConnectivityEvent) {
	switch ev.Kind {
	case types.EventPeerConnected:
		s.mu.Lock()
		s.peers[ev.NodeID] = &peerState{health: types.HealthOnline}
		s.mu.Unlock()
	case types.EventPeerDisconnected:
		s.mu.Lock()
		if st, ok := s.peers[ev.NodeID]; ok {
			st.health = types.HealthRetrying
		}
		s.mu.Unlock()
	case types.EventPeerBanned:
		s.mu.Lock()
		delete(s.peers, ev.NodeID)
		s.mu.Unlock()
	}
	s.updateState()
}

// updateState 重算整体状态并在变化时广播
func (s *Service) updateState() {
	online := s.mgr.NumConnections()

	s.mu.Lock()
	var next types.ConnectivityState
	switch {
	case online >= s.cfg.MinConnectivity:
		next = types.ConnectivityOnline
	case online > 0:
		next = types.ConnectivityDegraded
	case s.state == types.ConnectivityInitializing:
		next = types.ConnectivityInitializing
	default:
		next = types.ConnectivityOffline
	}
	changed := next != s.state
	s.state = next
	s.mu.Unlock()

	if changed {
		logger.Info("连通状态变化", "state", next.String(), "connections", online)
		s.bus.Publish(types.ConnectivityEvent{
			Kind:  types.EventStateChanged,
			State: next,
			At:    time.Now(),
		})
	}
}

// refreshPools 重算邻居池，必要时补充随机池
func (s *Service) refreshPools() {
	closest, err := s.store.ClosestTo(s.identity.NodeID(), s.cfg.NumNeighbouringNodes, peerstore.ExcludeOffline())
	if err != nil {
		return
	}
	ids := make([]types.NodeID, 0, len(closest))
	for _, p := range closest {
		ids = append(ids, p.NodeID)
	}

	s.mu.Lock()
	s.neighbours = ids
	needRandom := len(s.randoms) == 0
	s.mu.Unlock()

	if needRandom {
		s.refreshRandomPool()
	}
}

// refreshRandomPool 重抽随机池
func (s *Service) refreshRandomPool() {
	randoms, err := s.store.Random(s.cfg.NumRandomNodes, peerstore.ExcludeOffline())
	if err != nil {
		return
	}

	s.mu.Lock()
	exclude := make(map[types.NodeID]bool, len(s.neighbours))
	for _, id := range s.neighbours {
		exclude[id] = true
	}
	ids := make([]types.NodeID, 0, len(randoms))
	for _, p := range randoms {
		if !exclude[p.NodeID] {
			ids = append(ids, p.NodeID)
		}
	}
	s.randoms = ids
	s.mu.Unlock()
}

// maintainPools 维护池内连接：未连接的成员补拨；
// MinimizeConnections 时裁剪池外连接
func (s *Service) maintainPools() {
	pool := make(map[types.NodeID]bool)
	for _, id := range s.NeighbourPool() {
		pool[id] = true
	}
	for _, id := range s.RandomPool() {
		pool[id] = true
	}

	for id := range pool {
		if s.mgr.GetConnection(id) != nil {
			continue
		}
		s.dialManaged(id)
	}

	if s.cfg.MinimizeConnections {
		for _, conn := range s.mgr.Connections() {
			if !pool[conn.NodeID()] {
				logger.Debug("裁剪池外连接", "peer", conn.NodeID().ShortString())
				s.mgr.Disconnect(conn.NodeID(), "outside managed pools")
			}
		}
	}
}

// dialManaged 重拨池内成员，失败累计后标记离线
func (s *Service) dialManaged(id types.NodeID) {
	peer, err := s.store.GetByNodeID(id)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.mgr.DialPeer(ctx, peer); err != nil {
		s.mu.Lock()
		st, ok := s.peers[id]
		if !ok {
			st = &peerState{health: types.HealthRetrying}
			s.peers[id] = st
		}
		st.failures++
		st.health = types.HealthRetrying
		offline := st.failures >= s.cfg.MaxFailuresMarkOffline
		if offline {
			st.health = types.HealthOffline
		}
		s.mu.Unlock()

		if offline {
			s.store.MarkOffline(peer.PublicKey)
			logger.Debug("节点标记离线", "peer", id.ShortString(), "failures", st.failures)
		}
		return
	}

	s.mu.Lock()
	if st, ok := s.peers[id]; ok {
		st.failures = 0
		st.health = types.HealthOnline
	}
	s.mu.Unlock()
	s.store.ClearOffline(peer.PublicKey)
}

// reapConnections 回收长期不活跃的连接
func (s *Service) reapConnections() {
	if !s.cfg.IsConnectionReapingEnabled {
		return
	}
	conns := s.mgr.Connections()
	if len(conns) < s.cfg.ReaperMinConnectionThreshold {
		return
	}

	cutoff := s.clock.Now().Add(-s.cfg.ReaperMinInactiveAge)
	for _, conn := range conns {
		if conn.LastActivity().Before(cutoff) && conn.EstablishedAt().Before(cutoff) {
			logger.Debug("回收不活跃连接", "peer", conn.NodeID().ShortString())
			s.mgr.Disconnect(conn.NodeID(), "inactive")
		}
	}
}

// expirePeers 清除长期未见的节点
func (s *Service) expirePeers() {
	if s.cfg.ExpirePeerLastSeenDuration <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.ExpirePeerLastSeenDuration)
	if _, err := s.store.PurgeNotSeenSince(cutoff); err != nil {
		logger.Warn("清理过期节点失败", "error", err)
	}
}

// checkTransportRatio TCPv4 与 Tor 连接占比巡检
func (s *Service) checkTransportRatio() {
	conns := s.mgr.Connections()
	if len(conns) == 0 {
		return
	}
	var tcpv4 int
	for _, c := range conns {
		if c.Address().Has(multiaddr.CodeIP4) {
			tcpv4++
		}
	}
	ratio := float64(tcpv4) / float64(len(conns))
	if ratio < s.cfg.MinimumDesiredTCPv4NodeRatio {
		logger.Warn("TCPv4 连接占比过低",
			"ratio", ratio,
			"desired", s.cfg.MinimumDesiredTCPv4NodeRatio,
			"connections", len(conns))
	}
}

// Close 停止服务
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})
	if s.started {
		<-s.doneCh
	}
	return nil
}
