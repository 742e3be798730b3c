package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	rpcpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/rpc"
)

// Client 单个 RPC 子流上的客户端
//
// 请求串行发出；流式响应帧依次交给调用方，直到结束帧。
type Client struct {
	mu     sync.Mutex
	stream interfaces.MuxStream
	nextID atomic.Uint32
	closed atomic.Bool
}

// NewClient 在子流上创建客户端
func NewClient(stream interfaces.MuxStream) *Client {
	return &Client{stream: stream}
}

// Call 发起单响应请求
func (c *Client) Call(ctx context.Context, methodID uint32, payload []byte) ([]byte, error) {
	var out []byte
	err := c.CallStreaming(ctx, methodID, payload, func(chunk []byte) error {
		out = chunk
		return nil
	})
	return out, err
}

// CallStreaming 发起流式请求
//
// 每个响应分片（含结束帧的非空负载）回调一次 recv。
func (c *Client) CallStreaming(ctx context.Context, methodID uint32, payload []byte, recv func([]byte) error) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.nextID.Add(1)
	if d, ok := ctx.Deadline(); ok {
		c.stream.SetDeadline(d)
	}

	err := WriteFrame(c.stream, &rpcpb.Frame{
		RequestID: reqID,
		MethodID:  methodID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := ReadFrame(c.stream)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.RequestID != reqID {
			// 串行协议下不应出现；跳过陈旧帧
			continue
		}
		if resp.IsErr() {
			return fmt.Errorf("%w: %s", ErrRemote, string(resp.Payload))
		}
		if len(resp.Payload) > 0 {
			if err := recv(resp.Payload); err != nil {
				return err
			}
		}
		if resp.IsFin() {
			return nil
		}
	}
}

// Close 关闭客户端与底层子流
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.stream.Close()
}
