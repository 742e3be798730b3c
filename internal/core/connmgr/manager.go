package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"go.uber.org/multierr"

	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/muxer/yamux"
	"github.com/nexmesh/go-nexmesh/internal/core/noise"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/connmgr")

// ProtocolHandler 入站子流处理器
type ProtocolHandler func(conn *Connection, stream interfaces.MuxStream)

// dialWaiter 单飞拨号等待句柄
type dialWaiter struct {
	done chan struct{}
	conn *Connection
	err  error
}

// Manager 连接管理器
//
// 持有连接表与拨号队列。并发拨同一节点收敛为一次在途尝试；
// 双向同时建连按 NodeID 数值确定性裁决。
type Manager struct {
	cfg       Config
	identity  *crypto.Identity
	transports *transport.Registry
	sessioner *noise.Sessioner
	store     *peerstore.Store
	bus       *eventbus.Bus
	muxCfg    yamux.Config

	mu        sync.RWMutex
	conns     map[types.NodeID]*Connection
	dials     map[types.NodeID]*dialWaiter
	handlers  map[types.ProtocolID]ProtocolHandler
	listeners []interfaces.Listener
	closed    bool

	backoff *backoffTable

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New 创建连接管理器
func New(cfg Config, identity *crypto.Identity, transports *transport.Registry, sessioner *noise.Sessioner, store *peerstore.Store, bus *eventbus.Bus) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		identity:   identity,
		transports: transports,
		sessioner:  sessioner,
		store:      store,
		bus:        bus,
		muxCfg:     yamux.DefaultConfig(),
		conns:      make(map[types.NodeID]*Connection),
		dials:      make(map[types.NodeID]*dialWaiter),
		handlers:   make(map[types.ProtocolID]ProtocolHandler),
		backoff:    newBackoffTable(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
		shutdown:   make(chan struct{}),
	}, nil
}

// RegisterProtocolHandler 注册入站子流处理器
func (m *Manager) RegisterProtocolHandler(protocol types.ProtocolID, h ProtocolHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocol] = h
}

// Listen 在指定地址上开始接受入站连接
func (m *Manager) Listen(addrs ...multiaddr.Multiaddr) error {
	for _, addr := range addrs {
		l, err := m.transports.Listen(addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		m.mu.Lock()
		m.listeners = append(m.listeners, l)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.acceptLoop(l)
		logger.Info("开始监听", "addr", l.Multiaddr().String())
	}

	if m.cfg.LivenessCheckInterval > 0 {
		m.wg.Add(1)
		go m.selfLivenessLoop()
	}
	return nil
}

// ListenAddresses 返回当前监听地址
func (m *Manager) ListenAddresses() []multiaddr.Multiaddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]multiaddr.Multiaddr, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Multiaddr())
	}
	return out
}

// acceptLoop 监听器接受循环
func (m *Manager) acceptLoop(l interfaces.Listener) {
	defer m.wg.Done()

	catcher := tec.TempErrCatcher{}
	for {
		raw, err := l.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				continue
			}
			select {
			case <-m.shutdown:
			default:
				logger.Warn("监听器退出", "addr", l.Multiaddr().String(), "error", err)
			}
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(raw)
		}()
	}
}

// handleInbound 处理单个入站连接：首字节分流、握手、封禁检查、入表
func (m *Manager) handleInbound(raw interfaces.Stream) {
	raw.SetDeadline(time.Now().Add(10 * time.Second))
	var mode [1]byte
	if _, err := raw.Read(mode[:]); err != nil {
		raw.Close()
		return
	}
	raw.SetDeadline(time.Time{})

	switch mode[0] {
	case wireModeComms:
	case wireModeLiveness:
		m.handleLiveness(raw)
		return
	default:
		logger.Debug("未知的连接模式字节", "mode", mode[0])
		raw.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	sess, err := m.sessioner.SecureInbound(ctx, raw)
	if err != nil {
		logger.Debug("入站握手失败", "error", err)
		return
	}

	remoteID := sess.RemoteNodeID()

	// 自身回环（以本节点身份拨到自己的监听地址）：不入表，直接关闭
	if remoteID.Equal(m.identity.NodeID()) {
		sess.Close()
		return
	}

	if m.store.IsBanned(crypto.PublicKey(sess.RemotePublicKey())) {
		logger.Debug("拒绝被封禁节点的入站连接", "peer", remoteID.ShortString())
		sess.Close()
		return
	}

	// 入站为 yamux server 侧
	mux, err := yamux.New(sess, true, m.muxCfg)
	if err != nil {
		sess.Close()
		return
	}

	conn := newConnection(sess, mux, types.DirInbound, multiaddr.Multiaddr{})
	m.registerPeer(sess)
	if !m.addConnection(conn) {
		return
	}
	m.startConnTasks(conn)
}

// registerPeer 把握手学到的身份合入节点存储
func (m *Manager) registerPeer(sess interfaces.SecureSession) {
	pub := crypto.PublicKey(sess.RemotePublicKey())
	p, err := m.store.Get(pub)
	if err != nil {
		p, err = peerstore.NewPeer(pub)
		if err != nil {
			return
		}
	}
	p.Features = sess.RemoteFeatures()
	p.LastSeen = time.Now()
	p.OfflineSince = time.Time{}
	if err := m.store.Upsert(p); err != nil {
		logger.Warn("更新节点记录失败", "error", err)
	}
}

// DialPeer 拨号建立出站连接
//
// 已有连接直接复用；并发请求合并等待同一次在途拨号。
func (m *Manager) DialPeer(ctx context.Context, peer *peerstore.Peer) (*Connection, error) {
	if peer.NodeID.Equal(m.identity.NodeID()) {
		return nil, ErrDialToSelf
	}
	if m.store.IsBanned(peer.PublicKey) {
		return nil, ErrPeerBanned
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if conn, ok := m.conns[peer.NodeID]; ok && !conn.IsClosed() {
		m.mu.Unlock()
		return conn, nil
	}
	// 单飞：已有在途拨号则等待其结果
	if w, ok := m.dials[peer.NodeID]; ok {
		m.mu.Unlock()
		select {
		case <-w.done:
			return w.conn, w.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w := &dialWaiter{done: make(chan struct{})}
	m.dials[peer.NodeID] = w
	m.mu.Unlock()

	conn, err := m.dialLocked(ctx, peer)

	m.mu.Lock()
	delete(m.dials, peer.NodeID)
	m.mu.Unlock()

	w.conn, w.err = conn, err
	close(w.done)
	return conn, err
}

// dialLocked 执行一次拨号尝试
func (m *Manager) dialLocked(ctx context.Context, peer *peerstore.Peer) (*Connection, error) {
	key := string(peer.PublicKey)
	if remaining, ok := m.backoff.inBackoff(key); ok {
		return nil, fmt.Errorf("%w: retry in %s", ErrDialBackoff, remaining.Round(time.Millisecond))
	}

	addrs := peer.BestAddresses()
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	var dialErrs error
	for _, addr := range addrs {
		if !m.cfg.AllowTestAddresses && addr.Has(multiaddr.CodeMemory) {
			continue
		}
		if !m.transports.CanDial(addr) {
			continue
		}

		conn, err := m.dialAddr(ctx, peer, addr)
		if err == nil {
			m.backoff.reset(key)
			m.markAddressOutcome(peer, addr, true)
			return conn, nil
		}

		dialErrs = multierr.Append(dialErrs, err)
		m.markAddressOutcome(peer, addr, false)
		if ctx.Err() != nil {
			break
		}
	}

	d := m.backoff.recordFailure(key)
	logger.Debug("拨号失败，进入退避",
		"peer", peer.NodeID.ShortString(),
		"failures", m.backoff.failureCount(key),
		"backoff", d)
	if dialErrs == nil {
		return nil, ErrNoAddresses
	}
	return nil, fmt.Errorf("%w: %v", ErrAllDialsFailed, dialErrs)
}

// dialAddr 拨一个地址并完成握手与复用
func (m *Manager) dialAddr(ctx context.Context, peer *peerstore.Peer, addr multiaddr.Multiaddr) (*Connection, error) {
	raw, err := m.transports.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	if _, err := raw.Write([]byte{wireModeComms}); err != nil {
		raw.Close()
		return nil, err
	}

	sess, err := m.sessioner.SecureOutbound(ctx, raw, peer.NodeID)
	if err != nil {
		return nil, err
	}

	// 出站为 yamux client 侧
	mux, err := yamux.New(sess, false, m.muxCfg)
	if err != nil {
		sess.Close()
		return nil, err
	}

	conn := newConnection(sess, mux, types.DirOutbound, addr)
	m.registerPeer(sess)
	if !m.addConnection(conn) {
		// 裁决落败：复用幸存连接
		if surviving := m.GetConnection(conn.nodeID); surviving != nil {
			return surviving, nil
		}
		return nil, ErrDuplicateConnection
	}
	m.startConnTasks(conn)
	return conn, nil
}

// markAddressOutcome 回写地址质量
func (m *Manager) markAddressOutcome(peer *peerstore.Peer, addr multiaddr.Multiaddr, success bool) {
	p, err := m.store.Get(peer.PublicKey)
	if err != nil {
		return
	}
	if success {
		p.MarkAddressSeen(addr, time.Now())
	} else {
		p.MarkAddressFailed(addr)
	}
	if err := m.store.Upsert(p); err != nil {
		logger.Warn("更新地址质量失败", "error", err)
	}
}

// addConnection 连接入表，处理同时建连裁决
//
// 胜者为发起方 NodeID 数值较小的那条连接；落败连接在
// TieBreakLinger 之后以 ErrDuplicateConnection 关闭。
// 返回 false 表示新连接落败。
func (m *Manager) addConnection(conn *Connection) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return false
	}

	existing, ok := m.conns[conn.nodeID]
	if ok && existing.IsClosed() {
		delete(m.conns, conn.nodeID)
		ok = false
	}
	if !ok {
		m.conns[conn.nodeID] = conn
		m.mu.Unlock()
		m.emit(types.ConnectivityEvent{
			Kind:      types.EventPeerConnected,
			NodeID:    conn.nodeID,
			Direction: conn.direction,
			At:        time.Now(),
		})
		return true
	}

	// 同时建连：本端 NodeID 小 → 本端作为发起者胜出 → 保留出站
	var winner, loser *Connection
	keepOutbound := m.identity.NodeID().Less(conn.nodeID)
	if pick(existing, conn, keepOutbound) == existing {
		winner, loser = existing, conn
	} else {
		winner, loser = conn, existing
		m.conns[conn.nodeID] = conn
	}
	m.mu.Unlock()

	logger.Debug("同时建连裁决",
		"peer", conn.nodeID.ShortString(),
		"winner", winner.direction.String(),
		"loser", loser.direction.String())

	// 延迟关闭落败连接，容忍对端在途帧
	linger := m.cfg.TieBreakLinger
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(linger):
		case <-m.shutdown:
		}
		loser.Close()
	}()

	// 落败连接退出时按指针比对出表，不触发重复断连事件
	return winner == conn
}

// pick 根据应保留的方向挑选幸存连接
func pick(a, b *Connection, keepOutbound bool) *Connection {
	want := types.DirInbound
	if keepOutbound {
		want = types.DirOutbound
	}
	if a.direction == want {
		return a
	}
	if b.direction == want {
		return b
	}
	// 两条方向相同（重复拨号竞态）：保留先建立的
	if a.establishedAt.Before(b.establishedAt) {
		return a
	}
	return b
}

// startConnTasks 启动连接的子流分发与退出监听任务
func (m *Manager) startConnTasks(conn *Connection) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			stream, err := conn.AcceptSubstream()
			if err != nil {
				m.removeConnection(conn)
				return
			}
			m.mu.RLock()
			h, ok := m.handlers[stream.Protocol()]
			m.mu.RUnlock()
			if !ok {
				logger.Debug("未注册的协议子流", "protocol", string(stream.Protocol()))
				stream.Close()
				continue
			}
			go h(conn, stream)
		}
	}()
}

// removeConnection 连接退出后出表并广播事件
func (m *Manager) removeConnection(conn *Connection) {
	m.mu.Lock()
	current, ok := m.conns[conn.nodeID]
	if ok && current == conn {
		delete(m.conns, conn.nodeID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	conn.Close()
	if ok {
		m.emit(types.ConnectivityEvent{
			Kind:      types.EventPeerDisconnected,
			NodeID:    conn.nodeID,
			Direction: conn.direction,
			At:        time.Now(),
		})
	}
}

// GetConnection 查询节点的活动连接
func (m *Manager) GetConnection(nodeID types.NodeID) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[nodeID]
	if !ok || conn.IsClosed() {
		return nil
	}
	return conn
}

// Connections 返回全部活动连接
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if !c.IsClosed() {
			out = append(out, c)
		}
	}
	return out
}

// NumConnections 返回活动连接数
func (m *Manager) NumConnections() int {
	return len(m.Connections())
}

// Disconnect 主动断开节点
func (m *Manager) Disconnect(nodeID types.NodeID, reason string) error {
	conn := m.GetConnection(nodeID)
	if conn == nil {
		return nil
	}
	logger.Debug("主动断开连接", "peer", nodeID.ShortString(), "reason", reason)
	m.removeConnection(conn)
	return nil
}

// BanPeer 封禁节点：写入存储、断开连接、广播事件
func (m *Manager) BanPeer(pub crypto.PublicKey, duration time.Duration, reason string) error {
	if err := m.store.Ban(pub, duration, reason); err != nil {
		return err
	}
	nodeID, err := crypto.NodeIDOf(pub)
	if err != nil {
		return err
	}
	m.Disconnect(nodeID, "banned: "+reason)
	m.emit(types.ConnectivityEvent{
		Kind:   types.EventPeerBanned,
		NodeID: nodeID,
		At:     time.Now(),
	})
	return nil
}

// emit 广播连通性事件
func (m *Manager) emit(ev types.ConnectivityEvent) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Close 关闭管理器：停止监听、关闭全部连接
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	m.listeners = nil
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[types.NodeID]*Connection)
	m.mu.Unlock()

	close(m.shutdown)

	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, l.Close())
	}
	for _, c := range conns {
		errs = multierr.Append(errs, c.Close())
	}
	m.wg.Wait()
	return errs
}
