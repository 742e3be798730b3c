package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// NonceSize 消息加密 nonce 长度
const NonceSize = chacha20poly1305.NonceSize

// kdfDomain KDF 域分隔串
const kdfDomain = "nexmesh.envelope.v1"

// ErrDecryptFailed 解密失败
var ErrDecryptFailed = errors.New("decrypt failed")

// EphemeralKeypair 生成一次性 Curve25519 密钥对，用于消息加密
func EphemeralKeypair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("read random: %w", err)
	}

	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public: %w", err)
	}
	return priv, pub, nil
}

// sharedKey ECDH → blake2b KDF，派生对称密钥
func sharedKey(priv, peerPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	h, err := blake2b.New256([]byte(kdfDomain))
	if err != nil {
		return nil, fmt.Errorf("init kdf: %w", err)
	}
	h.Write(secret)
	return h.Sum(nil), nil
}

// EncryptBody 加密消息体
//
// ephemeralPriv 为一次性 Curve25519 私钥，destPub 为目的身份公钥
// （Ed25519，内部转换为 Curve25519）。nonce 随密文一起放入消息头。
func EncryptBody(ephemeralPriv []byte, destPub PublicKey, plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := sharedKey(ephemeralPriv, Ed25519ToCurve25519Public(destPub))
	if err != nil {
		return nil, nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("read nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptBody 解密消息体
//
// identityPriv 为接收方身份私钥（Ed25519，内部转换为 Curve25519），
// ephemeralPub 与 nonce 来自消息头。
func DecryptBody(identityPriv PrivateKey, ephemeralPub, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}

	key, err := sharedKey(Ed25519ToCurve25519Private(identityPriv), ephemeralPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
