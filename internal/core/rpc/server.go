package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	rpcpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/rpc"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// ResponseSender 流式响应发送器
type ResponseSender interface {
	// Send 发送一个响应分片
	Send(payload []byte) error
}

// Handler RPC 方法处理器
//
// 单响应直接返回负载；流式响应通过 sender 逐片发送并返回
// (nil, nil)，结束帧由框架写出。
type Handler func(ctx context.Context, peer types.NodeID, payload []byte, sender ResponseSender) ([]byte, error)

// Server RPC 服务端
type Server struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
	tracker  *SessionTracker
}

// NewServer 创建 RPC 服务端
func NewServer(tracker *SessionTracker) *Server {
	return &Server{
		handlers: make(map[uint32]Handler),
		tracker:  tracker,
	}
}

// Register 注册方法处理器
func (s *Server) Register(methodID uint32, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[methodID] = h
}

// Serve 在子流上运行一个 RPC 会话直到流关闭
//
// peer 为会话对端。返回非 nil 错误表示会话异常终止。
func (s *Server) Serve(ctx context.Context, peer types.NodeID, stream interfaces.MuxStream) error {
	handle, err := s.tracker.Add(peer, func() { stream.Close() })
	if err != nil {
		// 超限：尽力回报错误帧后关闭
		WriteFrame(stream, &rpcpb.Frame{Flags: rpcpb.FlagErr | rpcpb.FlagFin, Payload: []byte(err.Error())})
		stream.Close()
		return err
	}
	defer s.tracker.Remove(handle)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := ReadFrame(stream)
		if err != nil {
			// 对端正常关闭会话
			return nil
		}
		s.tracker.Touch(handle)

		if err := s.dispatch(ctx, peer, stream, req); err != nil {
			return err
		}
	}
}

// dispatch 处理单个请求
func (s *Server) dispatch(ctx context.Context, peer types.NodeID, stream interfaces.MuxStream, req *rpcpb.Frame) error {
	s.mu.RLock()
	h, ok := s.handlers[req.MethodID]
	s.mu.RUnlock()

	if !ok {
		return WriteFrame(stream, &rpcpb.Frame{
			RequestID: req.RequestID,
			MethodID:  req.MethodID,
			Flags:     rpcpb.FlagErr | rpcpb.FlagFin,
			Payload:   []byte(fmt.Sprintf("unknown method %d", req.MethodID)),
		})
	}

	sender := &frameSender{stream: stream, requestID: req.RequestID, methodID: req.MethodID}
	payload, err := h(ctx, peer, req.Payload, sender)
	if err != nil {
		return WriteFrame(stream, &rpcpb.Frame{
			RequestID: req.RequestID,
			MethodID:  req.MethodID,
			Flags:     rpcpb.FlagErr | rpcpb.FlagFin,
			Payload:   []byte(err.Error()),
		})
	}

	// 结束帧；单响应时同时携带负载
	return WriteFrame(stream, &rpcpb.Frame{
		RequestID: req.RequestID,
		MethodID:  req.MethodID,
		Flags:     rpcpb.FlagFin,
		Payload:   payload,
	})
}

// frameSender 流式响应发送器
type frameSender struct {
	stream    interfaces.MuxStream
	requestID uint32
	methodID  uint32
}

// Send 发送一个响应分片
func (f *frameSender) Send(payload []byte) error {
	return WriteFrame(f.stream, &rpcpb.Frame{
		RequestID: f.requestID,
		MethodID:  f.methodID,
		Payload:   payload,
	})
}
