package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
)

// Ed25519ToCurve25519Private 将 Ed25519 私钥转换为 Curve25519 私钥
//
// 标准转换方法（RFC 7748, RFC 8032）：
//  1. 对私钥种子进行 SHA-512 哈希
//  2. 取哈希前 32 字节
//  3. 进行 "clamping"（清除低 3 位与最高位，并置次高位）
func Ed25519ToCurve25519Private(edPriv []byte) []byte {
	var seed []byte

	switch len(edPriv) {
	case ed25519.PrivateKeySize: // 64 字节：标准私钥格式
		seed = edPriv[:32]
	case 32: // 32 字节：种子格式
		seed = edPriv
	default:
		return make([]byte, 32)
	}

	h := sha512.Sum512(seed)

	// Clamping（RFC 7748）
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	return h[:32]
}

// Ed25519ToCurve25519Public 将 Ed25519 公钥转换为 Curve25519 公钥
//
// 使用 Edwards -> Montgomery 转换公式：
//   u = (1 + y) / (1 - y)  (mod p)
func Ed25519ToCurve25519Public(edPub []byte) []byte {
	if len(edPub) != ed25519.PublicKeySize {
		return make([]byte, 32)
	}

	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return make([]byte, 32)
	}

	return point.BytesMontgomery()
}
