// Package transport 提供传输层调度
//
// Registry 把拨号/监听分发给按注册顺序第一个 CanDial 该地址的传输变体
// （TCP、SOCKS5、Tor、Memory）。excluded_dial_addresses 匹配的
// 地址在进入任何变体之前被拒绝。
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

var logger = log.Logger("core/transport")

// Registry 传输调度器
type Registry struct {
	mu         sync.RWMutex
	transports []interfaces.Transport
	excluded   multiaddr.PatternList
	closed     bool
}

// NewRegistry 创建传输调度器
func NewRegistry(excluded multiaddr.PatternList, transports ...interfaces.Transport) *Registry {
	return &Registry{transports: transports, excluded: excluded}
}

// Register 注册额外的传输变体
func (r *Registry) Register(t interfaces.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

// CanDial 判断是否有变体能解析该地址
func (r *Registry) CanDial(addr multiaddr.Multiaddr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.excluded.Matches(addr) {
		return false
	}
	for _, t := range r.transports {
		if t.CanDial(addr) {
			return true
		}
	}
	return false
}

// Dial 拨号
//
// excluded_dial_addresses 匹配的地址返回 ErrAddressNotSupported。
func (r *Registry) Dial(ctx context.Context, addr multiaddr.Multiaddr) (interfaces.Stream, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrTransportClosed
	}
	if r.excluded.Matches(addr) {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s excluded by config", ErrAddressNotSupported, addr)
	}
	var chosen interfaces.Transport
	for _, t := range r.transports {
		if t.CanDial(addr) {
			chosen = t
			break
		}
	}
	r.mu.RUnlock()

	if chosen == nil {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotSupported, addr)
	}
	return chosen.Dial(ctx, addr)
}

// Listen 监听
func (r *Registry) Listen(addr multiaddr.Multiaddr) (interfaces.Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrTransportClosed
	}
	for _, t := range r.transports {
		if t.CanDial(addr) {
			return t.Listen(addr)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAddressNotSupported, addr)
}

// Close 关闭所有传输变体
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, t := range r.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
