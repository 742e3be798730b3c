// Package memory 提供进程内传输，用于测试
//
// 地址形如 /memory/<id>。监听器注册在进程级注册表中，
// 同进程内的拨号直接以 net.Pipe 对接。
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nexmesh/go-nexmesh/internal/core/transport"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// hub 进程级监听器注册表
var hub = struct {
	mu        sync.RWMutex
	listeners map[string]*listener
	nextID    atomic.Uint64
}{listeners: make(map[string]*listener)}

// Transport 进程内传输
type Transport struct {
	closed atomic.Bool

	mu    sync.Mutex
	owned []*listener
}

// 确保实现接口
var _ interfaces.Transport = (*Transport)(nil)

// New 创建进程内传输
func New() *Transport {
	return &Transport{}
}

// NextAddr 分配一个未使用的内存地址
func NextAddr() multiaddr.Multiaddr {
	id := hub.nextID.Add(1)
	m, _ := multiaddr.New(fmt.Sprintf("/memory/%d", id))
	return m
}

// CanDial 判断地址是否为内存端点
func (t *Transport) CanDial(addr multiaddr.Multiaddr) bool {
	return addr.Has(multiaddr.CodeMemory)
}

// Dial 连接同进程内的监听器
func (t *Transport) Dial(ctx context.Context, addr multiaddr.Multiaddr) (interfaces.Stream, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	id, ok := addr.ValueFor(multiaddr.CodeMemory)
	if !ok {
		return nil, transport.ErrAddressNotSupported
	}

	hub.mu.RLock()
	l := hub.listeners[id]
	hub.mu.RUnlock()
	if l == nil {
		return nil, &transport.DialError{Addr: addr.String(), Retryable: true, Cause: fmt.Errorf("no memory listener %s", id)}
	}

	local, remote := net.Pipe()
	select {
	case l.incoming <- remote:
		return pipeStream{local}, nil
	case <-l.done:
		local.Close()
		remote.Close()
		return nil, &transport.DialError{Addr: addr.String(), Retryable: true, Cause: fmt.Errorf("memory listener closed")}
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, transport.NewDialError(addr.String(), ctx.Err())
	}
}

// Listen 注册内存监听器
func (t *Transport) Listen(addr multiaddr.Multiaddr) (interfaces.Listener, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	id, ok := addr.ValueFor(multiaddr.CodeMemory)
	if !ok {
		return nil, transport.ErrAddressNotSupported
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if _, exists := hub.listeners[id]; exists {
		return nil, fmt.Errorf("memory address %s already in use", id)
	}

	l := &listener{
		id:       id,
		addr:     addr,
		incoming: make(chan net.Conn, 16),
		done:     make(chan struct{}),
	}
	hub.listeners[id] = l

	t.mu.Lock()
	t.owned = append(t.owned, l)
	t.mu.Unlock()
	return l, nil
}

// Close 关闭传输层与其监听器
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	t.mu.Unlock()
	for _, l := range owned {
		l.Close()
	}
	return nil
}

// listener 内存监听器
type listener struct {
	id       string
	addr     multiaddr.Multiaddr
	incoming chan net.Conn
	done     chan struct{}
	once     sync.Once
}

// 确保实现接口
var _ interfaces.Listener = (*listener)(nil)

// Accept 接受连接
func (l *listener) Accept() (interfaces.Stream, error) {
	select {
	case conn := <-l.incoming:
		return pipeStream{conn}, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Multiaddr 返回监听地址
func (l *listener) Multiaddr() multiaddr.Multiaddr { return l.addr }

// Close 注销并关闭监听器
func (l *listener) Close() error {
	l.once.Do(func() {
		hub.mu.Lock()
		delete(hub.listeners, l.id)
		hub.mu.Unlock()
		close(l.done)
	})
	return nil
}

// pipeStream net.Pipe 包装
type pipeStream struct {
	net.Conn
}
