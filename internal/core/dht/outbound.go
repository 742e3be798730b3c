package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/multiformats/go-varint"

	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	envpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/envelope"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// SendRequest 发送参数
type SendRequest struct {
	// Strategy 广播策略
	Strategy Strategy
	// DestNodeID 目的 NodeID（零值表示 Unknown，除非给出公钥）
	DestNodeID types.NodeID
	// DestPublicKey 目的身份公钥（加密必需）
	DestPublicKey crypto.PublicKey
	// MessageType 消息类型
	MessageType types.MessageType
	// Body 明文消息体
	Body []byte
	// Encrypt 加密消息体（需要 DestPublicKey）
	Encrypt bool
	// IncludeOrigin 附带来源公钥与签名
	IncludeOrigin bool
	// StoreAndForward 目的不可达时允许网络代存
	StoreAndForward bool
	// Expiry 有效期，0 使用默认 TTL
	Expiry time.Duration
}

// outboundItem 出站管线条目
type outboundItem struct {
	peer *peerstore.Peer
	data []byte
}

// SendMessage 构建信封并按策略发出
//
// 返回入队的目标数。阶段：构建信封 → 加密（按需）→ 签名
// （按需）→ 选择目标 → 入队出站管线。
func (d *Dht) SendMessage(ctx context.Context, req SendRequest) (int, error) {
	if d.isClosed() {
		return 0, ErrDhtClosed
	}

	header, body, err := d.buildEnvelope(req)
	if err != nil {
		return 0, err
	}

	env := &envpb.Envelope{Header: header, Body: body}
	data, err := proto.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	// 自己发出的内容先占据去重缓存，回流副本直接丢弃
	d.dedup.Observe(ContentHash(header.MessageTag, body))

	dest := req.DestNodeID
	if dest.IsZero() && len(req.DestPublicKey) > 0 {
		dest, _ = crypto.NodeIDOf(req.DestPublicKey)
	}

	// 直发目标当前无连接且允许代存：转为向目的方向传播，
	// 由目的的邻居代存
	strategy := req.Strategy
	if strategy == StrategyDirect && req.StoreAndForward && d.mgr.GetConnection(dest) == nil {
		strategy = StrategyPropagate
	}

	peers, err := d.router.SelectPeers(strategy, dest, types.NodeID{})
	if err != nil {
		if strategy == StrategyDirect && req.StoreAndForward {
			peers, err = d.router.SelectPeers(StrategyPropagate, dest, types.NodeID{})
		}
		if err != nil {
			return 0, err
		}
	}

	var enqueued int
	for _, p := range peers {
		item := outboundItem{peer: p, data: data}
		if err := d.outbound.Submit(ctx, item); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	d.metrics.MessagesOut.Add(float64(enqueued))
	return enqueued, nil
}

// buildEnvelope 构建路由头与传输形态的消息体
func (d *Dht) buildEnvelope(req SendRequest) (*envpb.DhtHeader, []byte, error) {
	var tagBuf [8]byte
	if _, err := rand.Read(tagBuf[:]); err != nil {
		return nil, nil, fmt.Errorf("generate message tag: %w", err)
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = d.cfg.MessageTTL
	}

	header := &envpb.DhtHeader{
		MessageType: req.MessageType,
		MessageTag:  binary.BigEndian.Uint64(tagBuf[:]),
		ExpiresAt:   uint64(time.Now().Add(expiry).Unix()),
	}
	if !req.DestNodeID.IsZero() {
		header.DestNodeID = req.DestNodeID.Bytes()
	}
	if len(req.DestPublicKey) > 0 {
		header.DestPublicKey = req.DestPublicKey
	}
	if req.StoreAndForward {
		header.Flags |= envpb.FlagStoreForward
	}

	body := req.Body

	// 加密：ECDH(临时, 目的) → KDF → ChaCha20-Poly1305
	if req.Encrypt {
		if len(req.DestPublicKey) == 0 {
			return nil, nil, fmt.Errorf("%w: encryption requires destination public key", ErrInvalidDestination)
		}
		ephPriv, ephPub, err := crypto.EphemeralKeypair()
		if err != nil {
			return nil, nil, err
		}
		ciphertext, nonce, err := crypto.EncryptBody(ephPriv, req.DestPublicKey, body)
		if err != nil {
			return nil, nil, err
		}
		body = ciphertext
		header.Flags |= envpb.FlagEncrypted
		header.EphemeralPubKey = ephPub
		header.Nonce = nonce
	}

	// 签名覆盖传输形态的消息体，中继无须解密即可验证来源
	if req.IncludeOrigin {
		header.OriginPublicKey = d.identity.PublicKey()
		header.OriginSignature = d.identity.Sign(envpb.SigningChallenge(header, body))
	}
	return header, body, nil
}

// sendWorker 出站管线 worker：取连接、开/复用子流、写帧
func (d *Dht) sendWorker(ctx context.Context, item outboundItem) {
	if err := d.writeToPeer(ctx, item.peer, item.data); err != nil {
		logger.Debug("出站发送失败",
			"peer", item.peer.NodeID.ShortString(),
			"error", err)
		d.metrics.SendFailures.Inc()
	}
}

// writeToPeer 把一帧写给指定节点
func (d *Dht) writeToPeer(ctx context.Context, peer *peerstore.Peer, data []byte) error {
	conn := d.mgr.GetConnection(peer.NodeID)
	if conn == nil {
		var err error
		conn, err = d.mgr.DialPeer(ctx, peer)
		if err != nil {
			return err
		}
	}

	stream, err := d.messagingStream(ctx, peer.NodeID, conn)
	if err != nil {
		return err
	}

	if err := writeEnvelopeFrame(stream, data); err != nil {
		// 子流失效：丢弃缓存并重试一次
		d.dropMessagingStream(peer.NodeID)
		conn = d.mgr.GetConnection(peer.NodeID)
		if conn == nil {
			return err
		}
		stream, err2 := d.messagingStream(ctx, peer.NodeID, conn)
		if err2 != nil {
			return err2
		}
		return writeEnvelopeFrame(stream, data)
	}
	return nil
}

// messagingStreams 出站消息子流缓存
type messagingStreams struct {
	mu      sync.Mutex
	streams map[types.NodeID]interfaces.MuxStream
}

// messagingStream 取出或建立到节点的消息子流
func (d *Dht) messagingStream(ctx context.Context, peer types.NodeID, conn connOpener) (interfaces.MuxStream, error) {
	d.msgStreams.mu.Lock()
	defer d.msgStreams.mu.Unlock()

	if s, ok := d.msgStreams.streams[peer]; ok {
		return s, nil
	}
	s, err := conn.OpenSubstream(ctx, types.ProtocolMessaging)
	if err != nil {
		return nil, err
	}
	d.msgStreams.streams[peer] = s
	return s, nil
}

// dropMessagingStream 丢弃失效的子流缓存
func (d *Dht) dropMessagingStream(peer types.NodeID) {
	d.msgStreams.mu.Lock()
	defer d.msgStreams.mu.Unlock()
	if s, ok := d.msgStreams.streams[peer]; ok {
		s.Close()
		delete(d.msgStreams.streams, peer)
	}
}

// connOpener 打开子流的最小接口
type connOpener interface {
	OpenSubstream(ctx context.Context, protocol types.ProtocolID) (interfaces.MuxStream, error)
}

// writeEnvelopeFrame 写入 varint 长度前缀的信封帧
func writeEnvelopeFrame(w interfaces.MuxStream, data []byte) error {
	if _, err := w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
