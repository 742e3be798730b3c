// Package eventbus 实现连通性事件总线
//
// 连接管理器与连通性服务通过总线向订阅者广播
// ConnectivityEvent。订阅通道有界，慢消费者丢弃并计数，
// 不阻塞发布方。
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/eventbus")

// ErrClosed 事件总线已关闭
var ErrClosed = errors.New("eventbus closed")

// 默认订阅缓冲区大小
const defaultBuffer = 32

// Subscription 事件订阅
type Subscription struct {
	bus  *Bus
	out  chan types.ConnectivityEvent
	once sync.Once
}

// Events 返回事件通道
func (s *Subscription) Events() <-chan types.ConnectivityEvent {
	return s.out
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.out)
	})
}

// Bus 连通性事件总线
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	// dropCount 慢消费者丢弃计数
	dropCount atomic.Int64
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe 订阅连通性事件
func (b *Bus) Subscribe() (*Subscription, error) {
	return b.SubscribeBuffered(defaultBuffer)
}

// SubscribeBuffered 以指定缓冲区订阅
func (b *Bus) SubscribeBuffered(buffer int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	sub := &Subscription{bus: b, out: make(chan types.ConnectivityEvent, buffer)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish 发布事件
//
// 订阅通道已满时丢弃该订阅者的事件并计数。
func (b *Bus) Publish(ev types.ConnectivityEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.out <- ev:
		default:
			n := b.dropCount.Add(1)
			if n == 1 || n%100 == 0 {
				logger.Warn("事件订阅者消费过慢，事件被丢弃", "totalDropped", n, "kind", ev.Kind.String())
			}
		}
	}
}

// DroppedEvents 返回累计丢弃的事件数
func (b *Bus) DroppedEvents() int64 {
	return b.dropCount.Load()
}

// remove 移除订阅
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Close 关闭总线并终止所有订阅
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.out) })
	}
	return nil
}
