// Package pipeline 提供有界消息处理塔与不当行为记分
//
// 入站/出站管线都是同一形状：有界队列 + 固定数量的 worker。
// 队列满时发送方被施加背压（阻塞），除去重与存储转发溢出
// 之外不静默丢弃。
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
)

var logger = log.Logger("core/pipeline")

// ErrPipelineClosed 管线已关闭
var ErrPipelineClosed = errors.New("pipeline closed")

// Handler 单条消息的处理函数
type Handler[T any] func(ctx context.Context, item T)

// Pipeline 有界处理塔
type Pipeline[T any] struct {
	name    string
	queue   chan T
	handler Handler[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New 创建处理塔
//
// capacity 为队列容量（同时也是允许的最大积压），
// workers 为并发处理数。
func New[T any](name string, capacity, workers int, handler Handler[T]) *Pipeline[T] {
	if capacity <= 0 {
		capacity = 32
	}
	if workers <= 0 {
		workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline[T]{
		name:    name,
		queue:   make(chan T, capacity),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// worker 处理循环
func (p *Pipeline[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.handler(p.ctx, item)
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit 提交一条消息
//
// 队列满时阻塞（背压）直到有空位或 ctx/管线结束。
func (p *Pipeline[T]) Submit(ctx context.Context, item T) error {
	select {
	case <-p.ctx.Done():
		return ErrPipelineClosed
	default:
	}

	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPipelineClosed
	}
}

// TrySubmit 非阻塞提交，队列满返回 false
func (p *Pipeline[T]) TrySubmit(item T) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.queue <- item:
		return true
	default:
		return false
	}
}

// Backlog 返回当前积压
func (p *Pipeline[T]) Backlog() int {
	return len(p.queue)
}

// Close 停止处理塔，丢弃未处理的积压
func (p *Pipeline[T]) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		logger.Debug("管线已关闭", "name", p.name, "dropped", len(p.queue))
	})
	p.wg.Wait()
}
