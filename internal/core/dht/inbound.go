package dht

import (
	"context"
	"io"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/multiformats/go-varint"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/pipeline"
	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	envpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/envelope"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// InboundMessage 交付给应用的消息
type InboundMessage struct {
	// From 直接来源节点
	From types.NodeID
	// Origin 来源公钥（信封携带时）
	Origin crypto.PublicKey
	// Header 路由头
	Header *envpb.DhtHeader
	// Body 消息体（加密消息已解密）
	Body []byte
}

// inboundItem 入站管线条目
type inboundItem struct {
	from types.NodeID
	pub  crypto.PublicKey
	data []byte
}

// handleMessagingStream 消息子流读取循环
//
// 由连接管理器在对端打开 messaging 子流时调用。
func (d *Dht) handleMessagingStream(conn *connmgr.Connection, stream interfaces.MuxStream) {
	defer stream.Close()

	for {
		data, err := readEnvelopeFrame(stream)
		if err != nil {
			return
		}
		item := inboundItem{from: conn.NodeID(), pub: conn.PublicKey(), data: data}
		// 队列满时施加背压：阻塞读取循环，减慢对端
		if err := d.inbound.Submit(context.Background(), item); err != nil {
			return
		}
	}
}

// readEnvelopeFrame 读取 varint 长度前缀的信封帧
func readEnvelopeFrame(r io.Reader) ([]byte, error) {
	l, err := varint.ReadUvarint(byteReader{r})
	if err != nil {
		return nil, err
	}
	if l > maxEnvelopeSize {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, l)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// 单个信封的大小上限
const maxEnvelopeSize = 4 * 1024 * 1024

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

// receiveWorker 入站管线 worker
//
// 阶段：解码 → 来源验签 → 去重 → 解密（按需）→ 路由决策。
func (d *Dht) receiveWorker(_ context.Context, item inboundItem) {
	env := &envpb.Envelope{}
	if err := proto.Unmarshal(item.data, env); err != nil {
		d.ledger.Record(item.from, item.pub, pipeline.OffenceDecodeError)
		return
	}
	header := env.Header

	if header.IsExpired(time.Now()) {
		d.ledger.Record(item.from, item.pub, pipeline.OffenceExpired)
		return
	}

	// 来源验签：覆盖传输形态的消息体
	if header.HasOrigin() {
		if !crypto.Verify(crypto.PublicKey(header.OriginPublicKey), envpb.SigningChallenge(header, env.Body), header.OriginSignature) {
			d.ledger.Record(item.from, item.pub, pipeline.OffenceInvalidSignature)
			return
		}
	}

	// 去重：内容哈希出现次数超限则静默丢弃
	if d.dedup.Observe(ContentHash(header.MessageTag, env.Body)) {
		d.metrics.DedupDropped.Inc()
		return
	}

	d.metrics.MessagesIn.Inc()
	d.routeInbound(item, env)
}

// routeInbound 路由决策：交付、转发、代存
func (d *Dht) routeInbound(item inboundItem, env *envpb.Envelope) {
	header := env.Header

	dest, hasDest := header.DestinationNodeID()

	// 无目的（Unknown）：本地交付
	if !hasDest {
		d.deliver(item, env, env.Body)
		return
	}

	// 目的是本节点：解密（按需）后交付
	if dest.Equal(d.identity.NodeID()) {
		body := env.Body
		if header.IsEncrypted() {
			plain, err := crypto.DecryptBody(d.identity.PrivateKey(), header.EphemeralPubKey, header.Nonce, body)
			if err != nil {
				// 解密失败按解码违规记分
				d.ledger.Record(item.from, item.pub, pipeline.OffenceDecodeError)
				return
			}
			body = plain
		}
		d.deliver(item, env, body)
		return
	}

	// 入网宣告在转发途中的每个节点都合并
	if header.MessageType == types.MsgTypeJoin {
		d.handleJoinAnnounce(InboundMessage{
			From:   item.from,
			Origin: crypto.PublicKey(header.OriginPublicKey),
			Header: header,
			Body:   env.Body,
		})
	}

	// 目的是其他节点：向目的方向转发，排除来源
	d.forward(item, env, dest)
}

// forward 转发并按需代存
func (d *Dht) forward(item inboundItem, env *envpb.Envelope, dest types.NodeID) {
	header := env.Header
	data, err := proto.Marshal(env)
	if err != nil {
		return
	}

	forwarded := false
	if peers, err := d.router.SelectPeers(StrategyPropagate, dest, item.from); err == nil {
		for _, p := range peers {
			fwd := outboundItem{peer: p, data: data}
			if d.outbound.TrySubmit(fwd) {
				forwarded = true
			}
		}
	}

	// 代存条件：允许代存、目的当前不可达、本节点在目的的存储邻域内
	if header.AllowsStoreForward() && d.safStore != nil {
		if d.mgr.GetConnection(dest) == nil && d.withinStorageNeighbourhood(dest) {
			priority := types.PriorityOf(header.MessageType)
			if err := d.safStore.Insert(dest, data, priority); err != nil {
				logger.Debug("存储转发写入失败", "dest", dest.ShortString(), "error", err)
			} else {
				d.metrics.SafStored.Inc()
				logger.Debug("信封已代存",
					"dest", dest.ShortString(),
					"tag", header.MessageTag,
					"priority", int(priority))
			}
		}
	}

	if forwarded {
		d.metrics.MessagesForwarded.Inc()
	}
}

// withinStorageNeighbourhood 判断本节点是否位于目的的存储邻域
//
// 即：在所有已知节点中，本节点到目的的距离是否排进前
// saf.num_neighbouring_nodes 名。
func (d *Dht) withinStorageNeighbourhood(dest types.NodeID) bool {
	n := d.cfg.Saf.NumNeighbouringNodes
	closest, err := d.store.ClosestTo(dest, n)
	if err != nil {
		return false
	}
	if len(closest) < n {
		return true
	}
	own := d.identity.NodeID().Distance(dest)
	worst := closest[len(closest)-1].NodeID.Distance(dest)
	return own.Less(worst)
}

// deliver 交付给应用订阅者
//
// 订阅通道有界；应用消费过慢时丢弃并告警（去重之外唯一的
// 静默丢弃路径是去重与代存溢出，这里要出声）。
func (d *Dht) deliver(item inboundItem, env *envpb.Envelope, body []byte) {
	msg := InboundMessage{
		From:   item.from,
		Origin: crypto.PublicKey(env.Header.OriginPublicKey),
		Header: env.Header,
		Body:   body,
	}

	// DHT 内部消息不进入应用通道
	if env.Header.MessageType == types.MsgTypeJoin {
		d.handleJoinAnnounce(msg)
		return
	}

	select {
	case d.subscriber <- msg:
		d.metrics.MessagesDelivered.Inc()
	default:
		logger.Warn("应用订阅者消费过慢，消息被丢弃", "tag", env.Header.MessageTag)
	}
}
