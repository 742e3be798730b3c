package dht

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/rpc"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	dhtpb "github.com/nexmesh/go-nexmesh/pkg/lib/proto/dht"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// ============================================================================
//                              存储转发检索
// ============================================================================

// handleSafRetrieve 响应代存检索请求
//
// 返回目的为请求方的条目，受 max_returned_messages 与
// max_inflight_request_age 约束；返回成功后删除条目。
func (d *Dht) handleSafRetrieve(_ context.Context, peer types.NodeID, payload []byte, sender rpc.ResponseSender) ([]byte, error) {
	if d.safStore == nil {
		return (&dhtpb.RetrieveResponse{}).Marshal()
	}

	req := &dhtpb.RetrieveRequest{}
	if err := req.Unmarshal(payload); err != nil {
		return nil, err
	}

	since := time.Now().Add(-d.cfg.Saf.MaxInflightRequestAge)
	if req.Since > 0 {
		reqSince := time.Unix(int64(req.Since), 0)
		if reqSince.After(since) {
			since = reqSince
		}
	}
	limit := int(req.MaxMessages)

	msgs, err := d.safStore.QueryFor(peer, since, limit)
	if err != nil {
		return nil, err
	}

	resp := &dhtpb.RetrieveResponse{}
	for _, m := range msgs {
		resp.Envelopes = append(resp.Envelopes, m.Envelope)
	}
	out, err := resp.Marshal()
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		d.safStore.Remove(m)
	}
	d.metrics.SafReturned.Add(float64(len(msgs)))
	logger.Debug("返回代存消息", "peer", peer.ShortString(), "count", len(msgs))
	return out, nil
}

// requestStoredMessages 向新连接的节点取回代存消息
func (d *Dht) requestStoredMessages(peer types.NodeID) {
	conn := d.mgr.GetConnection(peer)
	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Discovery.RequestTimeout)
	defer cancel()

	stream, err := conn.OpenSubstream(ctx, types.ProtocolRPC)
	if err != nil {
		return
	}
	client := rpc.NewClient(stream)
	defer client.Close()

	req := &dhtpb.RetrieveRequest{MaxMessages: uint32(d.cfg.Saf.MaxReturnedMessages)}
	payload, err := req.Marshal()
	if err != nil {
		return
	}

	out, err := client.Call(ctx, MethodSafRetrieve, payload)
	if err != nil {
		logger.Debug("代存检索失败", "peer", peer.ShortString(), "error", err)
		return
	}

	resp := &dhtpb.RetrieveResponse{}
	if err := resp.Unmarshal(out); err != nil {
		return
	}
	if len(resp.Envelopes) == 0 {
		return
	}

	logger.Debug("取回代存消息", "peer", peer.ShortString(), "count", len(resp.Envelopes))
	pub := crypto.PublicKey(conn.PublicKey())
	for _, data := range resp.Envelopes {
		item := inboundItem{from: peer, pub: pub, data: data}
		if err := d.inbound.Submit(ctx, item); err != nil {
			return
		}
	}
}

// ============================================================================
//                              节点同步与发现
// ============================================================================

// handlePeerSync 响应节点同步请求
func (d *Dht) handlePeerSync(_ context.Context, peer types.NodeID, payload []byte, _ rpc.ResponseSender) ([]byte, error) {
	req := &dhtpb.SyncRequest{}
	if err := req.Unmarshal(payload); err != nil {
		return nil, err
	}

	target := d.identity.NodeID()
	if len(req.TargetNodeID) == types.NodeIDLen {
		if id, err := types.NodeIDFromBytes(req.TargetNodeID); err == nil {
			target = id
		}
	}

	limit := int(req.MaxPeers)
	if limit <= 0 || limit > d.cfg.Discovery.MaxPeersToSyncPerRound {
		limit = d.cfg.Discovery.MaxPeersToSyncPerRound
	}

	peers, err := d.store.ClosestTo(target, limit, peerstore.ExcludeOffline())
	if err != nil {
		return nil, err
	}

	resp := &dhtpb.SyncResponse{}
	for _, p := range peers {
		// 不把请求方自己回给它
		if p.NodeID.Equal(peer) {
			continue
		}
		info := &dhtpb.PeerInfo{
			PublicKey: p.PublicKey,
			Features:  uint64(p.Features),
		}
		if !p.LastSeen.IsZero() {
			info.LastSeen = uint64(p.LastSeen.Unix())
		}
		for _, a := range p.Addresses {
			info.Addresses = append(info.Addresses, a.Address.String())
		}
		resp.Peers = append(resp.Peers, info)
	}
	return resp.Marshal()
}

// discoveryLoop 周期性节点发现
//
// 每轮向至多 max_sync_peers 个已连接节点请求距目标最近的节点。
// 已知节点数达到 min_desired_peers 后转入空闲策略。
func (d *Dht) discoveryLoop() {
	defer d.wg.Done()

	for {
		interval := d.cfg.Discovery.AggressivePeriod
		if d.store.Count() >= d.cfg.Discovery.MinDesiredPeers {
			interval = d.cfg.Discovery.IdlePeriod
		}

		select {
		case <-time.After(interval):
		case <-d.shutdown:
			return
		}

		if err := d.discoveryRound(); err != nil {
			logger.Debug("发现轮失败", "error", err)
			select {
			case <-time.After(d.cfg.Discovery.OnFailureIdlePeriod):
			case <-d.shutdown:
				return
			}
		}
	}
}

// discoveryRound 执行一轮节点同步
func (d *Dht) discoveryRound() error {
	conns := d.mgr.Connections()
	if len(conns) == 0 {
		return ErrNoEligiblePeers
	}
	if len(conns) > d.cfg.Discovery.MaxSyncPeers {
		conns = conns[:d.cfg.Discovery.MaxSyncPeers]
	}

	// 轮流以自身与随机 NodeID 为查询目标，兼顾邻域密度与全网覆盖
	target := d.identity.NodeID()
	d.mu.Lock()
	d.discoverRandom = !d.discoverRandom
	useRandom := d.discoverRandom
	d.mu.Unlock()
	if useRandom {
		var buf [types.NodeIDLen]byte
		if _, err := rand.Read(buf[:]); err == nil {
			target = types.NodeID(buf)
		}
	}

	var lastErr error
	var synced int
	for _, conn := range conns {
		n, err := d.syncPeersFrom(conn.NodeID(), target)
		if err != nil {
			lastErr = err
			continue
		}
		synced += n
	}
	if synced == 0 && lastErr != nil {
		return lastErr
	}

	logger.Debug("发现轮完成", "synced", synced, "known", d.store.Count())
	return nil
}

// syncPeersFrom 向单个节点请求并合并其距 target 最近的已知节点
func (d *Dht) syncPeersFrom(peer, target types.NodeID) (int, error) {
	conn := d.mgr.GetConnection(peer)
	if conn == nil {
		return 0, ErrNoEligiblePeers
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Discovery.RequestTimeout)
	defer cancel()

	stream, err := conn.OpenSubstream(ctx, types.ProtocolRPC)
	if err != nil {
		return 0, err
	}
	client := rpc.NewClient(stream)
	defer client.Close()

	req := &dhtpb.SyncRequest{
		TargetNodeID: target.Bytes(),
		MaxPeers:     uint32(d.cfg.Discovery.MaxPeersToSyncPerRound),
	}
	payload, err := req.Marshal()
	if err != nil {
		return 0, err
	}

	out, err := client.Call(ctx, MethodPeerSync, payload)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrDiscoveryTimedOut
		}
		return 0, err
	}

	resp := &dhtpb.SyncResponse{}
	if err := resp.Unmarshal(out); err != nil {
		return 0, err
	}

	var added int
	for _, info := range resp.Peers {
		if d.upsertDiscovered(info) {
			added++
		}
	}
	return added, nil
}

// upsertDiscovered 合并一条发现结果
func (d *Dht) upsertDiscovered(info *dhtpb.PeerInfo) bool {
	if len(info.PublicKey) != crypto.PublicKeySize {
		return false
	}
	pub := crypto.PublicKey(info.PublicKey)
	if pub.Equal(d.identity.PublicKey()) {
		return false
	}

	p, err := d.store.Get(pub)
	if err != nil {
		p, err = peerstore.NewPeer(pub)
		if err != nil {
			return false
		}
	}
	for _, a := range info.Addresses {
		addr, err := multiaddr.New(a)
		if err != nil {
			continue
		}
		p.AddAddress(addr, peerstore.SourceDiscovery)
	}
	p.Features = types.Features(info.Features)
	if info.LastSeen > 0 {
		seen := time.Unix(int64(info.LastSeen), 0)
		if seen.After(p.LastSeen) {
			p.LastSeen = seen
		}
	}
	return d.store.Upsert(p) == nil
}

// ============================================================================
//                              入网宣告
// ============================================================================

// announceJoin 以 Closest 策略向自身方向广播入网宣告
func (d *Dht) announceJoin() error {
	announce := &dhtpb.JoinAnnounce{
		PublicKey: d.identity.PublicKey(),
		Features:  uint64(types.DefaultFeatures()),
	}
	for _, addr := range d.mgr.ListenAddresses() {
		announce.Addresses = append(announce.Addresses, addr.String())
	}
	body, err := announce.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := d.SendMessage(ctx, SendRequest{
		Strategy:      StrategyClosest,
		DestNodeID:    d.identity.NodeID(),
		MessageType:   types.MsgTypeJoin,
		Body:          body,
		IncludeOrigin: true,
	})
	if err != nil {
		return err
	}
	logger.Info("入网宣告已发出", "peers", n)
	return nil
}

// handleJoinAnnounce 处理收到的入网宣告：合并节点记录
func (d *Dht) handleJoinAnnounce(msg InboundMessage) {
	announce := &dhtpb.JoinAnnounce{}
	if err := announce.Unmarshal(msg.Body); err != nil {
		return
	}
	info := &dhtpb.PeerInfo{
		PublicKey: announce.PublicKey,
		Addresses: announce.Addresses,
		Features:  announce.Features,
		LastSeen:  uint64(time.Now().Unix()),
	}
	if d.upsertDiscovered(info) {
		logger.Debug("入网宣告已合并", "peer", msg.From.ShortString())
	}
}
