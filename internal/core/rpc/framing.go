// Package rpc 实现子流上的请求/响应会话
//
// 每帧为 varint 长度前缀 + Frame 编码。响应可以流式返回，
// 以 FlagFin 帧结束。会话数受全局与每节点上限约束。
package rpc

import (
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	rpcpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/rpc"
)

// 单帧上限，防御恶意长度前缀
const maxFrameSize = 4 * 1024 * 1024

// WriteFrame 写入一帧
func WriteFrame(w io.Writer, f *rpcpb.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(data))
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (*rpcpb.Frame, error) {
	l, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if l > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", l)
	}
	data := make([]byte, l)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	f := &rpcpb.Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, err
	}
	return f, nil
}

// byteReader 将 io.Reader 适配为 io.ByteReader
type byteReader struct {
	io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
