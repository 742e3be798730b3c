package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// Noise 单条消息的最大明文长度：65535 - 16 字节 AEAD tag
const maxPlaintext = 65535 - 16

// secureConn 握手完成后的加密双工流
type secureConn struct {
	interfaces.Stream

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	localNodeID  types.NodeID
	remoteNodeID types.NodeID
	remoteKey    crypto.PublicKey

	// remoteFeatures 版本协商后的公共能力集
	remoteFeatures types.Features

	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf []byte
}

// 确保实现接口
var _ interfaces.SecureSession = (*secureConn)(nil)

// Read 读取并解密
func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c.Stream, lenBuf); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint16(lenBuf)
	if msgLen == 0 {
		return 0, io.EOF
	}

	encMsg := make([]byte, msgLen)
	if _, err := io.ReadFull(c.Stream, encMsg); err != nil {
		return 0, err
	}

	plaintext, err := c.recvCS.Decrypt(nil, nil, encMsg)
	if err != nil {
		return 0, fmt.Errorf("decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = append(c.readBuf[:0], plaintext[n:]...)
	}
	return n, nil
}

// Write 加密并写入，超长数据按 Noise 消息上限分片
func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}

		ciphertext, err := c.sendCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("encrypt: %w", err)
		}

		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(ciphertext)))
		if _, err := c.Stream.Write(lenBuf); err != nil {
			return total, err
		}
		if _, err := c.Stream.Write(ciphertext); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// RemotePublicKey 返回对端身份公钥
func (c *secureConn) RemotePublicKey() []byte {
	return c.remoteKey
}

// RemoteNodeID 返回对端 NodeID
func (c *secureConn) RemoteNodeID() types.NodeID {
	return c.remoteNodeID
}

// RemoteFeatures 返回协商后的对端能力集
func (c *secureConn) RemoteFeatures() types.Features {
	return c.remoteFeatures
}
