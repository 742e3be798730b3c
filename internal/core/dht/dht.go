// Package dht 实现覆盖网络层
//
// 在连接管理器之上提供：按 XOR 距离的目标选择与消息路由、
// 去重、离线节点的存储转发、节点发现与入网宣告。
package dht

import (
	"context"
	"sync"
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/dht/saf"
	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/metrics"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/pipeline"
	"github.com/nexmesh/go-nexmesh/internal/core/rpc"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/dht")

// RPC 方法标识
const (
	// MethodSafRetrieve 存储转发检索
	MethodSafRetrieve uint32 = 10
	// MethodPeerSync 节点同步
	MethodPeerSync uint32 = 20
)

// Dht 覆盖网络层
type Dht struct {
	cfg      Config
	identity *crypto.Identity
	store    *peerstore.Store
	mgr      *connmgr.Manager
	bus      *eventbus.Bus
	metrics  *metrics.Metrics

	router   *Router
	dedup    *DedupCache
	ledger   *pipeline.Ledger
	safStore *saf.Store

	rpcServer  *rpc.Server
	rpcTracker *rpc.SessionTracker

	inbound  *pipeline.Pipeline[inboundItem]
	outbound *pipeline.Pipeline[outboundItem]

	subscriber chan InboundMessage

	msgStreams messagingStreams

	mu             sync.Mutex
	lastJoin       time.Time
	discoverRandom bool
	closed         bool
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// Options 组装参数
type Options struct {
	Config      Config
	Identity    *crypto.Identity
	Store       *peerstore.Store
	Manager     *connmgr.Manager
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	RPCSessions rpc.SessionConfig
}

// New 创建覆盖网络层
func New(opts Options) (*Dht, error) {
	cfg := opts.Config

	dedup, err := NewDedupCache(cfg.DedupCacheCapacity, cfg.DedupAllowedMessageOccurrences)
	if err != nil {
		return nil, err
	}

	var safStore *saf.Store
	if cfg.Saf.Enabled {
		safStore, err = saf.Open(cfg.Saf)
		if err != nil {
			return nil, err
		}
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	tracker := rpc.NewSessionTracker(opts.RPCSessions)
	d := &Dht{
		cfg:        cfg,
		identity:   opts.Identity,
		store:      opts.Store,
		mgr:        opts.Manager,
		bus:        opts.Bus,
		metrics:    m,
		dedup:      dedup,
		safStore:   safStore,
		ledger:     pipeline.NewLedger(cfg.Ledger, opts.Manager),
		rpcTracker: tracker,
		rpcServer:  rpc.NewServer(tracker),
		subscriber: make(chan InboundMessage, cfg.MaxConcurrentInboundTasks),
		shutdown:   make(chan struct{}),
	}
	d.router = NewRouter(cfg, opts.Identity, opts.Store, opts.Manager)
	d.msgStreams.streams = make(map[types.NodeID]interfaces.MuxStream)

	d.inbound = pipeline.New("dht-inbound", cfg.MaxConcurrentInboundTasks, 4, d.receiveWorker)
	d.outbound = pipeline.New("dht-outbound", cfg.MaxConcurrentOutboundTasks, 4, d.sendWorker)

	d.rpcServer.Register(MethodSafRetrieve, d.handleSafRetrieve)
	d.rpcServer.Register(MethodPeerSync, d.handlePeerSync)

	return d, nil
}

// Start 注册协议处理器并启动后台任务
func (d *Dht) Start() {
	d.mgr.RegisterProtocolHandler(types.ProtocolMessaging, d.handleMessagingStream)
	d.mgr.RegisterProtocolHandler(types.ProtocolRPC, d.handleRPCStream)

	d.wg.Add(2)
	go d.eventLoop()
	go d.maintenanceLoop()

	if d.cfg.Discovery.Enabled {
		d.wg.Add(1)
		go d.discoveryLoop()
	}
}

// Subscribe 返回应用消息通道
func (d *Dht) Subscribe() <-chan InboundMessage {
	return d.subscriber
}

// Dedup 返回去重缓存（只读视图，测试与诊断用）
func (d *Dht) Dedup() *DedupCache {
	return d.dedup
}

// handleRPCStream 入站 RPC 子流
func (d *Dht) handleRPCStream(conn *connmgr.Connection, stream interfaces.MuxStream) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	d.rpcServer.Serve(ctx, conn.NodeID(), stream)
}

// eventLoop 连通性事件驱动：首次上线入网、上线取回代存
func (d *Dht) eventLoop() {
	defer d.wg.Done()

	sub, err := d.bus.Subscribe()
	if err != nil {
		return
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case types.EventStateChanged:
				if ev.State == types.ConnectivityOnline && d.cfg.AutoJoin {
					d.maybeJoin()
				}
			case types.EventPeerConnected:
				// 新连接可能替我们保管过消息
				if d.cfg.Saf.Enabled {
					d.wg.Add(1)
					go func(peer types.NodeID) {
						defer d.wg.Done()
						d.requestStoredMessages(peer)
					}(ev.NodeID)
				}
			}
		case <-d.shutdown:
			return
		}
	}
}

// maintenanceLoop 周期任务：去重缓存清理、代存压实
func (d *Dht) maintenanceLoop() {
	defer d.wg.Done()

	trim := time.NewTicker(d.cfg.DedupCacheTrimInterval)
	defer trim.Stop()

	compactInterval := d.cfg.Saf.CompactionInterval
	if compactInterval <= 0 {
		compactInterval = 30 * time.Minute
	}
	compact := time.NewTicker(compactInterval)
	defer compact.Stop()

	for {
		select {
		case <-trim.C:
			removed := d.dedup.Trim(d.cfg.DedupCacheTrimInterval * 4)
			if removed > 0 {
				logger.Debug("去重缓存已清理", "removed", removed, "size", d.dedup.Len())
			}
		case <-compact.C:
			if d.safStore != nil {
				if _, err := d.safStore.Compact(); err != nil {
					logger.Warn("代存压实失败", "error", err)
				}
			}
		case <-d.shutdown:
			return
		}
	}
}

// maybeJoin 入网宣告，受冷却间隔约束
func (d *Dht) maybeJoin() {
	d.mu.Lock()
	if !d.lastJoin.IsZero() && time.Since(d.lastJoin) < d.cfg.JoinCooldownInterval {
		d.mu.Unlock()
		return
	}
	d.lastJoin = time.Now()
	d.mu.Unlock()

	if err := d.announceJoin(); err != nil {
		logger.Debug("入网宣告失败", "error", err)
	}
}

// isClosed 判断是否已关闭
func (d *Dht) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close 停止覆盖网络层
func (d *Dht) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.shutdown)
	d.inbound.Close()
	d.outbound.Close()

	d.msgStreams.mu.Lock()
	for _, s := range d.msgStreams.streams {
		s.Close()
	}
	d.msgStreams.streams = make(map[types.NodeID]interfaces.MuxStream)
	d.msgStreams.mu.Unlock()

	d.wg.Wait()

	if d.safStore != nil {
		return d.safStore.Close()
	}
	return nil
}
