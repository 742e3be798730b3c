// Package noise 实现 Noise 协议安全会话
//
// Noise XX 握手流程：
//   -> e
//   <- e, ee, s, es, payload
//   -> s, se, payload
//
// payload 绑定身份：Ed25519 身份公钥 + 对 Noise 静态公钥的签名。
// 发起方在握手完成后校验对端身份派生的 NodeID 是否与拨号目标一致，
// 不一致则以 ErrIdentityMismatch 关闭。随后双方交换签名的
// 版本+能力帧，取最高公共能力集。
package noise

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// payloadSigPrefix 身份绑定签名的前缀
const payloadSigPrefix = "nexmesh-noise-static-key:"

// performHandshake 执行 Noise XX 握手
//
// expected 为发起方期望的对端 NodeID；响应方传零值，
// 从对端静态密钥学习其身份。
func performHandshake(conn interfaces.Stream, identity *crypto.Identity, expected types.NodeID, initiator bool) (*secureConn, error) {
	curvePriv := crypto.Ed25519ToCurve25519Private(identity.PrivateKey())
	curvePub := crypto.Ed25519ToCurve25519Public(identity.PublicKey())

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: curvePriv, Public: curvePub},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create handshake state: %v", ErrHandshakeFailed, err)
	}

	localPayload, err := buildPayload(identity, curvePub)
	if err != nil {
		return nil, err
	}

	var sendCS, recvCS *noise.CipherState
	var remotePayload []byte
	if initiator {
		sendCS, recvCS, remotePayload, err = initiatorHandshake(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayload, err = responderHandshake(conn, hs, localPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, fmt.Errorf("%w: bad remote static key length %d", ErrHandshakeFailed, len(remoteStatic))
	}

	remoteKey, remoteNodeID, err := verifyPayload(remotePayload, remoteStatic)
	if err != nil {
		return nil, err
	}

	// 发起方校验身份绑定：拨到的必须是想拨的节点
	if initiator && !expected.IsZero() && !remoteNodeID.Equal(expected) {
		return nil, fmt.Errorf("%w: expected %s got %s", ErrIdentityMismatch, expected.ShortString(), remoteNodeID.ShortString())
	}

	return &secureConn{
		Stream:       conn,
		sendCS:       sendCS,
		recvCS:       recvCS,
		localNodeID:  identity.NodeID(),
		remoteNodeID: remoteNodeID,
		remoteKey:    remoteKey,
	}, nil
}

// buildPayload 生成本端身份绑定负载
func buildPayload(identity *crypto.Identity, curvePub []byte) ([]byte, error) {
	toSign := append([]byte(payloadSigPrefix), curvePub...)
	p := &handshakePayload{
		IdentityKey: identity.PublicKey(),
		IdentitySig: identity.Sign(toSign),
	}
	return p.Marshal()
}

// verifyPayload 校验对端负载并派生其 NodeID
func verifyPayload(payloadBytes, remoteStatic []byte) (crypto.PublicKey, types.NodeID, error) {
	p := &handshakePayload{}
	if err := p.Unmarshal(payloadBytes); err != nil {
		return nil, types.NodeID{}, err
	}
	if len(p.IdentityKey) != crypto.PublicKeySize {
		return nil, types.NodeID{}, fmt.Errorf("%w: identity key length %d", ErrInvalidPayload, len(p.IdentityKey))
	}

	toVerify := append([]byte(payloadSigPrefix), remoteStatic...)
	if !crypto.Verify(crypto.PublicKey(p.IdentityKey), toVerify, p.IdentitySig) {
		return nil, types.NodeID{}, fmt.Errorf("%w: static key not bound to identity", ErrIdentityMismatch)
	}

	nodeID, err := crypto.NodeIDOf(crypto.PublicKey(p.IdentityKey))
	if err != nil {
		return nil, types.NodeID{}, err
	}
	return crypto.PublicKey(p.IdentityKey), nodeID, nil
}

// initiatorHandshake 发起方三轮消息
func initiatorHandshake(conn interfaces.Stream, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	// <- e, ee, s, es, payload
	msg2, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	// -> s, se, payload
	msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}

	// 发起方：cs1 发送，cs2 接收
	return cs1, cs2, remotePayload, nil
}

// responderHandshake 响应方三轮消息
func responderHandshake(conn interfaces.Stream, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// <- e
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err = hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	// -> e, ee, s, es, payload
	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	// <- s, se, payload
	msg3, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}

	// 响应方与发起方相反：cs2 发送，cs1 接收
	return cs2, cs1, remotePayload, nil
}

// writeFrame 写入帧（2 字节长度 + 数据）
func writeFrame(w io.Writer, data []byte) error {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(data)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame 读取帧（2 字节长度 + 数据）
func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf)
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
