package nexmesh

import (
	"fmt"
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/connectivity"
	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/dht"
	"github.com/nexmesh/go-nexmesh/internal/core/rpc"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/socks5"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tor"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// TransportKind 启用的传输变体
type TransportKind string

const (
	// TransportTCP 直连 TCP
	TransportTCP TransportKind = "tcp"
	// TransportSocks5 经 SOCKS5 代理
	TransportSocks5 TransportKind = "socks5"
	// TransportTor 经 Tor 守护进程
	TransportTor TransportKind = "tor"
	// TransportMemory 进程内，测试用
	TransportMemory TransportKind = "memory"
)

// Config 节点配置
type Config struct {
	// DatastorePath 数据目录
	DatastorePath string

	// PeerDatabaseName 节点数据库子目录名
	PeerDatabaseName string

	// ListenAddrs 监听地址
	ListenAddrs []string

	// Transport 传输变体
	Transport TransportKind

	// Socks5ProxyAddress SOCKS5 代理地址（socks5/tor 变体）
	Socks5ProxyAddress string

	// TorForwardAddress hidden service 转发到的本地地址
	TorForwardAddress string

	// TorOnionAddress 对外宣告的 onion 地址
	TorOnionAddress string

	// ProxyBypassAddresses 匹配则绕过代理直连
	ProxyBypassAddresses []string

	// ExcludedDialAddresses 拒绝拨出的地址模式
	ExcludedDialAddresses []string

	// AllowTestAddresses 允许 /memory 地址
	AllowTestAddresses bool

	// ListenerSelfLivenessCheckInterval 监听器活性自检间隔，0 关闭
	ListenerSelfLivenessCheckInterval time.Duration

	// ListenerLivenessAllowlistCIDRs 允许活性探测的来源网段
	ListenerLivenessAllowlistCIDRs []string

	// RPCMaxSimultaneousSessions 全局 RPC 会话上限
	RPCMaxSimultaneousSessions int

	// RPCMaxSessionsPerPeer 每节点 RPC 会话上限
	RPCMaxSessionsPerPeer int

	// CullOldestPeerRPCConnectionOnFull 会话超限时驱逐最旧会话
	CullOldestPeerRPCConnectionOnFull bool

	// ConnMgr 连接管理配置
	ConnMgr connmgr.Config

	// Connectivity 连通性服务配置
	Connectivity connectivity.Config

	// Dht 覆盖层配置
	Dht dht.Config
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DatastorePath:              "data",
		PeerDatabaseName:           "peer_db",
		Transport:                  TransportTCP,
		RPCMaxSimultaneousSessions: 100,
		RPCMaxSessionsPerPeer:      10,
		ConnMgr:                    connmgr.DefaultConfig(),
		Connectivity:               connectivity.DefaultConfig(),
		Dht:                        dht.DefaultConfig(),
	}
}

// Validate 校验配置并填充派生字段
func (c *Config) Validate() error {
	if c.DatastorePath == "" {
		return fmt.Errorf("datastore_path is required")
	}
	if c.PeerDatabaseName == "" {
		c.PeerDatabaseName = "peer_db"
	}
	switch c.Transport {
	case TransportTCP, TransportMemory:
	case TransportSocks5, TransportTor:
		if c.Socks5ProxyAddress == "" {
			return fmt.Errorf("socks5_proxy_address is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if _, err := multiaddr.NewPatternList(c.ExcludedDialAddresses); err != nil {
		return fmt.Errorf("excluded_dial_addresses: %w", err)
	}
	if _, err := multiaddr.NewPatternList(c.ProxyBypassAddresses); err != nil {
		return fmt.Errorf("proxy_bypass_addresses: %w", err)
	}
	if _, err := multiaddr.NewCIDRList(c.ListenerLivenessAllowlistCIDRs); err != nil {
		return fmt.Errorf("listener_liveness_allowlist_cidrs: %w", err)
	}
	for _, a := range c.ListenAddrs {
		if _, err := multiaddr.New(a); err != nil {
			return fmt.Errorf("listen address %q: %w", a, err)
		}
	}
	return nil
}

// rpcSessionConfig 组装 RPC 会话配置
func (c *Config) rpcSessionConfig() rpc.SessionConfig {
	return rpc.SessionConfig{
		MaxSimultaneousSessions: c.RPCMaxSimultaneousSessions,
		MaxSessionsPerPeer:      c.RPCMaxSessionsPerPeer,
		CullOldestOnFull:        c.CullOldestPeerRPCConnectionOnFull,
	}
}

// socksConfig 组装 SOCKS5 传输配置
func (c *Config) socksConfig() socks5.Config {
	cfg := socks5.DefaultConfig(c.Socks5ProxyAddress)
	cfg.ProxyBypassAddresses, _ = multiaddr.NewPatternList(c.ProxyBypassAddresses)
	return cfg
}

// torConfig 组装 Tor 传输配置
func (c *Config) torConfig() (tor.Config, error) {
	cfg := tor.Config{Socks: c.socksConfig()}
	if c.TorForwardAddress != "" {
		addr, err := multiaddr.New(c.TorForwardAddress)
		if err != nil {
			return cfg, fmt.Errorf("tor_forward_address: %w", err)
		}
		cfg.ForwardAddress = addr
	}
	if c.TorOnionAddress != "" {
		addr, err := multiaddr.New(c.TorOnionAddress)
		if err != nil {
			return cfg, fmt.Errorf("tor_onion_address: %w", err)
		}
		cfg.OnionAddress = addr
	}
	return cfg, nil
}
