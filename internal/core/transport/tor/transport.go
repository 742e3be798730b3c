// Package tor 提供经 Tor 守护进程的传输
//
// 出站经 tor 的 SOCKS5 端口；/onion3 地址映射为 <addr>.onion:<port>
// 交给代理解析。匹配 proxy_bypass_addresses 的非 onion 目的地址
// 绕过 tor 直接走 TCP。监听侧假定 hidden service 已在 torrc 中
// 指向本地转发端口。
package tor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/socks5"
	"github.com/nexmesh/go-nexmesh/internal/core/transport/tcp"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// Config Tor 传输配置
type Config struct {
	// Socks SOCKS5 子配置，ProxyAddress 指向 tor 的 socks 端口
	Socks socks5.Config
	// ForwardAddress hidden service 转发到的本地监听地址
	ForwardAddress multiaddr.Multiaddr
	// OnionAddress 本节点对外宣告的 onion 地址
	OnionAddress multiaddr.Multiaddr
}

// Transport Tor 传输
type Transport struct {
	cfg    Config
	socks  *socks5.Transport
	direct *tcp.Transport
	closed atomic.Bool
}

// 确保实现接口
var _ interfaces.Transport = (*Transport)(nil)

// New 创建 Tor 传输
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		socks:  socks5.New(cfg.Socks),
		direct: tcp.New(tcp.DefaultConfig()),
	}
}

// CanDial onion3 与 TCP 端点都可经 tor 拨出
func (t *Transport) CanDial(addr multiaddr.Multiaddr) bool {
	return addr.Has(multiaddr.CodeOnion3) || t.direct.CanDial(addr)
}

// Dial 建立出站连接
func (t *Transport) Dial(ctx context.Context, addr multiaddr.Multiaddr) (interfaces.Stream, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	if addr.Has(multiaddr.CodeOnion3) {
		host, port, err := addr.ToOnionAddr()
		if err != nil {
			return nil, transport.ErrAddressNotSupported
		}
		return t.socks.DialRaw(ctx, fmt.Sprintf("%s:%d", host, port))
	}

	if t.cfg.Socks.ProxyBypassAddresses.Matches(addr) {
		return t.direct.Dial(ctx, addr)
	}
	return t.socks.Dial(ctx, addr)
}

// Listen 在 hidden service 的本地转发地址上监听
//
// 返回的监听器对外宣告 onion 地址。
func (t *Transport) Listen(addr multiaddr.Multiaddr) (interfaces.Listener, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	local := t.cfg.ForwardAddress
	if local.IsZero() {
		local = addr
	}
	inner, err := t.direct.Listen(local)
	if err != nil {
		return nil, err
	}
	if t.cfg.OnionAddress.IsZero() {
		return inner, nil
	}
	return &onionListener{Listener: inner, onion: t.cfg.OnionAddress}, nil
}

// Close 关闭传输层
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.direct.Close()
	return t.socks.Close()
}

// onionListener 以 onion 地址对外宣告的监听器
type onionListener struct {
	interfaces.Listener
	onion multiaddr.Multiaddr
}

// Multiaddr 返回 onion 地址
func (l *onionListener) Multiaddr() multiaddr.Multiaddr { return l.onion }
