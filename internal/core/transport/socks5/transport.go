// Package socks5 提供经 SOCKS5 代理的 TCP 传输
//
// 匹配 proxy_bypass_addresses 的目的地址绕过代理直接走 TCP。
package socks5

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tcp"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// Config SOCKS5 传输配置
type Config struct {
	// ProxyAddress 代理地址，host:port
	ProxyAddress string
	// Auth 可选认证
	Auth *proxy.Auth
	// DialTimeout 单次拨号超时
	DialTimeout time.Duration
	// ProxyBypassAddresses 匹配则绕过代理直连
	ProxyBypassAddresses multiaddr.PatternList
}

// DefaultConfig 返回默认配置
func DefaultConfig(proxyAddr string) Config {
	return Config{
		ProxyAddress: proxyAddr,
		DialTimeout:  45 * time.Second,
	}
}

// Transport SOCKS5 传输
type Transport struct {
	cfg    Config
	direct *tcp.Transport
	closed atomic.Bool
}

// 确保实现接口
var _ interfaces.Transport = (*Transport)(nil)

// New 创建 SOCKS5 传输
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		direct: tcp.New(tcp.Config{DialTimeout: cfg.DialTimeout}),
	}
}

// CanDial 判断地址是否为 TCP 端点
func (t *Transport) CanDial(addr multiaddr.Multiaddr) bool {
	return t.direct.CanDial(addr)
}

// Dial 经代理建立出站连接
func (t *Transport) Dial(ctx context.Context, addr multiaddr.Multiaddr) (interfaces.Stream, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	if t.cfg.ProxyBypassAddresses.Matches(addr) {
		return t.direct.Dial(ctx, addr)
	}

	dialAddr, err := addr.ToTCPAddr()
	if err != nil {
		return nil, transport.ErrAddressNotSupported
	}
	return t.dialVia(ctx, dialAddr)
}

// DialRaw 经代理拨号到任意 host:port
//
// onion 等代理自行解析的主机名走这里。
func (t *Transport) DialRaw(ctx context.Context, dialAddr string) (interfaces.Stream, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	return t.dialVia(ctx, dialAddr)
}

// dialVia 经代理拨号到任意 host:port
func (t *Transport) dialVia(ctx context.Context, dialAddr string) (interfaces.Stream, error) {
	forward := &net.Dialer{Timeout: t.cfg.DialTimeout}
	d, err := proxy.SOCKS5("tcp", t.cfg.ProxyAddress, t.cfg.Auth, forward)
	if err != nil {
		return nil, transport.NewDialError(dialAddr, err)
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		// proxy.SOCKS5 总是返回 ContextDialer；保险分支
		conn, err := d.Dial("tcp", dialAddr)
		if err != nil {
			return nil, transport.NewDialError(dialAddr, err)
		}
		return connStream{conn}, nil
	}

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := cd.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, transport.NewDialError(dialAddr, err)
	}
	return connStream{conn}, nil
}

// Listen SOCKS5 代理不支持监听，入站由直连 TCP 承担
func (t *Transport) Listen(addr multiaddr.Multiaddr) (interfaces.Listener, error) {
	return t.direct.Listen(addr)
}

// Close 关闭传输层
func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.direct.Close()
}

// connStream net.Conn 包装
type connStream struct {
	net.Conn
}
