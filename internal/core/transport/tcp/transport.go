// Package tcp 提供基于 TCP 的传输层实现
//
// TCP 传输产出原始字节流，加密与多路复用由上层负责。
package tcp

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// Config TCP 传输配置
type Config struct {
	// DialTimeout 单次拨号超时
	DialTimeout time.Duration
	// KeepAlive TCP keepalive 间隔，0 使用系统默认
	KeepAlive time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DialTimeout: 20 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}

// Transport TCP 传输层实现
type Transport struct {
	cfg    Config
	closed atomic.Bool
}

// 确保实现接口
var _ interfaces.Transport = (*Transport)(nil)

// New 创建 TCP 传输层
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// CanDial 判断地址是否为 TCP 端点
func (t *Transport) CanDial(addr multiaddr.Multiaddr) bool {
	if !addr.Has(multiaddr.CodeTCP) {
		return false
	}
	return addr.Has(multiaddr.CodeIP4) || addr.Has(multiaddr.CodeIP6) || addr.Has(multiaddr.CodeDNS4)
}

// Dial 建立出站连接
func (t *Transport) Dial(ctx context.Context, addr multiaddr.Multiaddr) (interfaces.Stream, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	dialAddr, err := addr.ToTCPAddr()
	if err != nil {
		return nil, transport.ErrAddressNotSupported
	}

	dialer := &net.Dialer{
		Timeout:   t.cfg.DialTimeout,
		KeepAlive: t.cfg.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, transport.NewDialError(dialAddr, err)
	}
	return &stream{Conn: conn}, nil
}

// Listen 监听入站连接
func (t *Transport) Listen(addr multiaddr.Multiaddr) (interfaces.Listener, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}

	listenAddr, err := addr.ToTCPAddr()
	if err != nil {
		return nil, transport.ErrAddressNotSupported
	}

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, transport.NewDialError(listenAddr, err)
	}

	bound, err := multiaddr.FromTCPAddr(l.Addr())
	if err != nil {
		l.Close()
		return nil, err
	}
	return &listener{inner: l, addr: bound}, nil
}

// Close 关闭传输层
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

// stream TCP 字节流
type stream struct {
	net.Conn
}

// listener TCP 监听器
type listener struct {
	inner net.Listener
	addr  multiaddr.Multiaddr
}

// 确保实现接口
var _ interfaces.Listener = (*listener)(nil)

// Accept 接受连接
func (l *listener) Accept() (interfaces.Stream, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return &stream{Conn: conn}, nil
}

// Multiaddr 返回监听地址
func (l *listener) Multiaddr() multiaddr.Multiaddr { return l.addr }

// Close 关闭监听器
func (l *listener) Close() error { return l.inner.Close() }
