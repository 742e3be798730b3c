// Package peerstore 实现已知节点的持久存储
//
// 节点记录以身份公钥为键存放在 badger 数据库中，
// 每次变更先落盘再更新内存索引：内存中存在 ⇔ 库中存在。
// closest_to 查询按 XOR 距离排序，排除被封禁与（可选）离线节点。
package peerstore

import (
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// AddressSource 地址来源
type AddressSource int

const (
	// SourceUnknown 未知来源
	SourceUnknown AddressSource = iota
	// SourceConfig 配置注入
	SourceConfig
	// SourceDiscovery 节点同步获得
	SourceDiscovery
	// SourceInbound 入站连接观察到
	SourceInbound
	// SourceJoin 入网宣告携带
	SourceJoin
)

// PeerAddress 带元数据的节点地址
type PeerAddress struct {
	// Address 多地址
	Address multiaddr.Multiaddr
	// Source 地址来源
	Source AddressSource
	// LastSeen 最近一次确认可达的时间
	LastSeen time.Time
	// FailureCount 连续拨号失败次数
	FailureCount int
	// Quality 质量分，成功连接加分、失败减分
	Quality int
}

// Peer 节点记录
type Peer struct {
	// PublicKey 身份公钥（记录主键）
	PublicKey crypto.PublicKey
	// NodeID 从公钥派生的节点标识
	NodeID types.NodeID
	// Addresses 地址列表
	Addresses []PeerAddress
	// Features 对端宣告的能力位
	Features types.Features
	// Ban 封禁记录（零值表示未封禁）
	Ban types.BanRecord
	// OfflineSince 标记离线的时间（零值表示在线）
	OfflineSince time.Time
	// LastSeen 最近一次交互时间
	LastSeen time.Time
	// AddedAt 首次入库时间
	AddedAt time.Time
}

// NewPeer 构造节点记录
func NewPeer(pub crypto.PublicKey, addrs ...multiaddr.Multiaddr) (*Peer, error) {
	nodeID, err := crypto.NodeIDOf(pub)
	if err != nil {
		return nil, err
	}
	p := &Peer{PublicKey: pub, NodeID: nodeID}
	for _, a := range addrs {
		p.Addresses = append(p.Addresses, PeerAddress{Address: a, Source: SourceConfig})
	}
	return p, nil
}

// IsBanned 判断当前是否处于封禁期
func (p *Peer) IsBanned(now time.Time) bool {
	return p.Ban.IsActive(now)
}

// IsOffline 判断是否标记为离线
func (p *Peer) IsOffline() bool {
	return !p.OfflineSince.IsZero()
}

// AddAddress 合并一个地址，已存在则更新元数据
func (p *Peer) AddAddress(addr multiaddr.Multiaddr, source AddressSource) {
	for i := range p.Addresses {
		if p.Addresses[i].Address.Equal(addr) {
			if source != SourceUnknown {
				p.Addresses[i].Source = source
			}
			return
		}
	}
	p.Addresses = append(p.Addresses, PeerAddress{Address: addr, Source: source})
}

// MarkAddressSeen 记录地址可达，重置失败计数
func (p *Peer) MarkAddressSeen(addr multiaddr.Multiaddr, now time.Time) {
	for i := range p.Addresses {
		if p.Addresses[i].Address.Equal(addr) {
			p.Addresses[i].LastSeen = now
			p.Addresses[i].FailureCount = 0
			p.Addresses[i].Quality++
			return
		}
	}
}

// MarkAddressFailed 记录地址拨号失败
func (p *Peer) MarkAddressFailed(addr multiaddr.Multiaddr) {
	for i := range p.Addresses {
		if p.Addresses[i].Address.Equal(addr) {
			p.Addresses[i].FailureCount++
			p.Addresses[i].Quality--
			return
		}
	}
}

// BestAddresses 按质量分降序返回地址
func (p *Peer) BestAddresses() []multiaddr.Multiaddr {
	sorted := make([]PeerAddress, len(p.Addresses))
	copy(sorted, p.Addresses)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Quality > sorted[j-1].Quality; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := make([]multiaddr.Multiaddr, 0, len(sorted))
	for _, a := range sorted {
		out = append(out, a.Address)
	}
	return out
}

// Clone 深拷贝节点记录
func (p *Peer) Clone() *Peer {
	clone := *p
	clone.PublicKey = append(crypto.PublicKey(nil), p.PublicKey...)
	clone.Addresses = make([]PeerAddress, len(p.Addresses))
	copy(clone.Addresses, p.Addresses)
	return &clone
}
