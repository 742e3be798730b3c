// Package crypto 提供身份密钥与消息加密原语
//
// 身份密钥为 Ed25519 长期密钥对，由调用方提供或生成，
// NodeID 从身份公钥派生。消息级加密使用
// ECDH(临时密钥, 目的公钥) → blake2b KDF → ChaCha20-Poly1305。
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// PublicKeySize 身份公钥字节长度
const PublicKeySize = ed25519.PublicKeySize

// PublicKey 身份公钥
type PublicKey []byte

// PrivateKey 身份私钥
type PrivateKey []byte

// Identity 节点身份
//
// 持有长期密钥对与派生出的 NodeID。密钥由调用方托管，
// 本层不负责持久化。
type Identity struct {
	priv   PrivateKey
	pub    PublicKey
	nodeID types.NodeID
}

// GenerateIdentity 生成新的身份
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return NewIdentity(PrivateKey(priv))
}

// NewIdentity 从已有私钥构造身份
func NewIdentity(priv PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", len(priv))
	}

	pub := PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
	nodeID, err := types.NodeIDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive node id: %w", err)
	}

	return &Identity{priv: priv, pub: pub, nodeID: nodeID}, nil
}

// PublicKey 返回身份公钥
func (id *Identity) PublicKey() PublicKey {
	return id.pub
}

// PrivateKey 返回身份私钥
func (id *Identity) PrivateKey() PrivateKey {
	return id.priv
}

// NodeID 返回派生的 NodeID
func (id *Identity) NodeID() types.NodeID {
	return id.nodeID
}

// Sign 使用身份私钥签名
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(id.priv), msg)
}

// Verify 校验签名
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// NodeIDOf 从公钥派生 NodeID
func NodeIDOf(pub PublicKey) (types.NodeID, error) {
	return types.NodeIDFromPublicKey(pub)
}

// String 返回公钥的 base58 表示
func (p PublicKey) String() string {
	return base58.Encode(p)
}

// Equal 判断两个公钥是否相等
func (p PublicKey) Equal(other PublicKey) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
