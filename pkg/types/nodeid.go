package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// NodeIDLen NodeID 字节长度
const NodeIDLen = 13

// NodeID 节点标识
//
// NodeID 是身份公钥的 blake2b 哈希前缀，长度固定为 13 字节。
// 两个 NodeID 的 XOR 定义 DHT 使用的距离度量。
type NodeID [NodeIDLen]byte

// NodeIDFromPublicKey 从身份公钥派生 NodeID
func NodeIDFromPublicKey(pubKey []byte) (NodeID, error) {
	var id NodeID
	if len(pubKey) == 0 {
		return id, fmt.Errorf("empty public key")
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return id, fmt.Errorf("init hash: %w", err)
	}
	h.Write(pubKey)
	copy(id[:], h.Sum(nil)[:NodeIDLen])
	return id, nil
}

// NodeIDFromBytes 从原始字节解析 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("invalid node id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes 返回字节表示
func (n NodeID) Bytes() []byte {
	out := make([]byte, NodeIDLen)
	copy(out, n[:])
	return out
}

// IsZero 判断是否为零值
func (n NodeID) IsZero() bool {
	var zero NodeID
	return n == zero
}

// Distance 计算与另一个 NodeID 的 XOR 距离
func (n NodeID) Distance(other NodeID) NodeDistance {
	var d NodeDistance
	for i := 0; i < NodeIDLen; i++ {
		d[i] = n[i] ^ other[i]
	}
	return d
}

// Equal 判断两个 NodeID 是否相等
func (n NodeID) Equal(other NodeID) bool {
	return n == other
}

// Less 按大端序数值比较
//
// 用于同时拨号的确定性裁决：数值较小的一方作为发起者胜出。
func (n NodeID) Less(other NodeID) bool {
	return bytes.Compare(n[:], other[:]) < 0
}

// String 返回 base58 表示
func (n NodeID) String() string {
	return base58.Encode(n[:])
}

// ShortString 返回截断的显示形式，用于日志
func (n NodeID) ShortString() string {
	s := n.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex 返回十六进制表示
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

// NodeDistance XOR 距离
type NodeDistance [NodeIDLen]byte

// Less 比较两个距离（大端序）
func (d NodeDistance) Less(other NodeDistance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// IsZero 判断是否为零距离
func (d NodeDistance) IsZero() bool {
	var zero NodeDistance
	return d == zero
}

// String 返回十六进制表示
func (d NodeDistance) String() string {
	return hex.EncodeToString(d[:])
}
