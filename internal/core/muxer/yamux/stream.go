package yamux

import (
	"sync/atomic"

	"github.com/hashicorp/yamux"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// stream yamux 子流
type stream struct {
	*yamux.Stream
	protocol types.ProtocolID
	muxer    *Muxer
	closed   atomic.Bool
}

// 确保实现接口
var _ interfaces.MuxStream = (*stream)(nil)

// Protocol 返回绑定的协议标识
func (s *stream) Protocol() types.ProtocolID {
	return s.protocol
}

// Close 关闭子流
func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.muxer.numStreams.Add(-1)
	return s.Stream.Close()
}
