package nexmesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/nexmesh/go-nexmesh/internal/core/connectivity"
	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/dht"
	"github.com/nexmesh/go-nexmesh/internal/core/eventbus"
	"github.com/nexmesh/go-nexmesh/internal/core/metrics"
	"github.com/nexmesh/go-nexmesh/internal/core/noise"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/memory"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/socks5"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tcp"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tor"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("nexmesh")

// Node 通信基座节点
//
// 组装节点存储、传输、会话层、连接管理、连通性服务与 DHT
// 覆盖层。身份密钥、配置与关闭信号在构造时传入，没有进程级
// 单例。
type Node struct {
	cfg      Config
	identity *crypto.Identity

	store      *peerstore.Store
	bus        *eventbus.Bus
	registry   *transport.Registry
	mgr        *connmgr.Manager
	conn       *connectivity.Service
	dht        *dht.Dht
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry

	mu       sync.Mutex
	started  bool
	closed   bool
	shutdown chan struct{}
}

// NewNode 构造节点
//
// args 中的 func(*Config) 依次应用到 cfg，Option 提供身份等构造参数；
// 其他类型的参数返回错误。
func NewNode(cfg Config, args ...any) (*Node, error) {
	var nopts nodeOptions
	for _, a := range args {
		switch fn := a.(type) {
		case func(*Config):
			fn(&cfg)
		case Option:
			fn(&nopts)
		default:
			return nil, fmt.Errorf("unsupported option type %T", a)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity := nopts.identity
	if identity == nil {
		var err error
		identity, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
	}

	store, err := peerstore.Open(peerstore.Config{
		DatastorePath:    cfg.DatastorePath,
		PeerDatabaseName: cfg.PeerDatabaseName,
	})
	if err != nil {
		return nil, err
	}

	node, err := assemble(cfg, identity, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return node, nil
}

// assemble 按配置组装全部组件
func assemble(cfg Config, identity *crypto.Identity, store *peerstore.Store) (*Node, error) {
	bus := eventbus.NewBus()

	excluded, err := multiaddr.NewPatternList(cfg.ExcludedDialAddresses)
	if err != nil {
		return nil, err
	}

	variants, err := buildTransports(cfg)
	if err != nil {
		return nil, err
	}
	registry := transport.NewRegistry(excluded, variants...)

	sessioner, err := noise.New(identity, noise.DefaultConfig())
	if err != nil {
		return nil, err
	}

	mgrCfg := cfg.ConnMgr
	mgrCfg.AllowTestAddresses = mgrCfg.AllowTestAddresses || cfg.AllowTestAddresses
	mgrCfg.LivenessCheckInterval = cfg.ListenerSelfLivenessCheckInterval
	mgrCfg.LivenessAllowlistCIDRs, _ = multiaddr.NewCIDRList(cfg.ListenerLivenessAllowlistCIDRs)

	mgr, err := connmgr.New(mgrCfg, identity, registry, sessioner, store, bus)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	dhtCfg := cfg.Dht
	dhtCfg.Saf.DatastorePath = cfg.DatastorePath
	overlay, err := dht.New(dht.Options{
		Config:      dhtCfg,
		Identity:    identity,
		Store:       store,
		Manager:     mgr,
		Bus:         bus,
		Metrics:     m,
		RPCSessions: cfg.rpcSessionConfig(),
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}

	connSvc := connectivity.New(cfg.Connectivity, identity, mgr, store, bus)

	return &Node{
		cfg:      cfg,
		identity: identity,
		store:    store,
		bus:      bus,
		registry: registry,
		mgr:      mgr,
		conn:     connSvc,
		dht:      overlay,
		metrics:  m,
		promReg:  promReg,
		shutdown: make(chan struct{}),
	}, nil
}

// buildTransports 按配置实例化传输变体
func buildTransports(cfg Config) ([]interfaces.Transport, error) {
	switch cfg.Transport {
	case TransportTCP:
		return []interfaces.Transport{tcp.New(tcp.DefaultConfig())}, nil
	case TransportMemory:
		return []interfaces.Transport{memory.New(), tcp.New(tcp.DefaultConfig())}, nil
	case TransportSocks5:
		return []interfaces.Transport{socks5.New(cfg.socksConfig())}, nil
	case TransportTor:
		torCfg, err := cfg.torConfig()
		if err != nil {
			return nil, err
		}
		return []interfaces.Transport{tor.New(torCfg)}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Start 启动节点：监听、DHT、连通性服务
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("node closed")
	}
	if n.started {
		return nil
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(n.cfg.ListenAddrs))
	for _, a := range n.cfg.ListenAddrs {
		addr, err := multiaddr.New(a)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}
	if err := n.mgr.Listen(addrs...); err != nil {
		return err
	}

	n.dht.Start()
	n.conn.Start()
	n.started = true

	logger.Info("节点已启动",
		"nodeID", n.identity.NodeID().ShortString(),
		"listen", len(addrs))
	return nil
}

// NodeID 返回本节点标识
func (n *Node) NodeID() types.NodeID {
	return n.identity.NodeID()
}

// PublicKey 返回本节点身份公钥
func (n *Node) PublicKey() crypto.PublicKey {
	return n.identity.PublicKey()
}

// ListenAddresses 返回实际监听地址
func (n *Node) ListenAddresses() []multiaddr.Multiaddr {
	return n.mgr.ListenAddresses()
}

// PeerStore 返回节点存储
func (n *Node) PeerStore() *peerstore.Store {
	return n.store
}

// ConnectionManager 返回连接管理器
func (n *Node) ConnectionManager() *connmgr.Manager {
	return n.mgr
}

// Connectivity 返回连通性服务
func (n *Node) Connectivity() *connectivity.Service {
	return n.conn
}

// Dht 返回覆盖网络层
func (n *Node) Dht() *dht.Dht {
	return n.dht
}

// Events 订阅连通性事件
func (n *Node) Events() (*eventbus.Subscription, error) {
	return n.bus.Subscribe()
}

// MetricsRegistry 返回 Prometheus 注册表
func (n *Node) MetricsRegistry() *prometheus.Registry {
	return n.promReg
}

// Messages 返回应用消息通道
func (n *Node) Messages() <-chan dht.InboundMessage {
	return n.dht.Subscribe()
}

// AddPeer 注册已知节点
func (n *Node) AddPeer(pub crypto.PublicKey, addrs ...string) error {
	parsed := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		addr, err := multiaddr.New(a)
		if err != nil {
			return err
		}
		parsed = append(parsed, addr)
	}
	p, err := peerstore.NewPeer(pub, parsed...)
	if err != nil {
		return err
	}
	return n.store.Upsert(p)
}

// SendDirect 向指定节点直发一条应用消息
func (n *Node) SendDirect(ctx context.Context, dest types.NodeID, body []byte) error {
	_, err := n.dht.SendMessage(ctx, dht.SendRequest{
		Strategy:      dht.StrategyDirect,
		DestNodeID:    dest,
		MessageType:   types.MsgTypeDomain,
		Body:          body,
		IncludeOrigin: true,
	})
	return err
}

// SendEncrypted 加密直发，目的不可达时允许网络代存
func (n *Node) SendEncrypted(ctx context.Context, destPub crypto.PublicKey, body []byte) error {
	_, err := n.dht.SendMessage(ctx, dht.SendRequest{
		Strategy:        dht.StrategyDirect,
		DestPublicKey:   destPub,
		MessageType:     types.MsgTypeDomain,
		Body:            body,
		Encrypt:         true,
		IncludeOrigin:   true,
		StoreAndForward: true,
	})
	return err
}

// Broadcast 按 Broadcast 策略传播一条应用消息
func (n *Node) Broadcast(ctx context.Context, body []byte) error {
	_, err := n.dht.SendMessage(ctx, dht.SendRequest{
		Strategy:      dht.StrategyBroadcast,
		MessageType:   types.MsgTypeDomain,
		Body:          body,
		IncludeOrigin: true,
	})
	return err
}

// ShutdownSignal 返回关闭通知通道
//
// 宿主可以 select 该通道与系统信号，统一触发 Close。
func (n *Node) ShutdownSignal() <-chan struct{} {
	return n.shutdown
}

// Close 协作式关闭：组件按依赖逆序停止，整体有界
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.shutdown)

	done := make(chan error, 1)
	go func() {
		var errs error
		errs = multierr.Append(errs, n.conn.Close())
		errs = multierr.Append(errs, n.dht.Close())
		errs = multierr.Append(errs, n.mgr.Close())
		errs = multierr.Append(errs, n.registry.Close())
		errs = multierr.Append(errs, n.bus.Close())
		errs = multierr.Append(errs, n.store.Close())
		done <- errs
	}()

	select {
	case err := <-done:
		logger.Info("节点已关闭", "nodeID", n.identity.NodeID().ShortString())
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("node close timed out")
	}
}
