package peerstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// 持久化表示。多地址存字符串，NodeID 冗余存储以省去读取时的派生。
type peerRecord struct {
	PublicKey    []byte          `json:"public_key"`
	NodeID       []byte          `json:"node_id"`
	Addresses    []addressRecord `json:"addresses,omitempty"`
	Features     uint64          `json:"features,omitempty"`
	BanReason    string          `json:"ban_reason,omitempty"`
	BanUntil     int64           `json:"ban_until,omitempty"`
	OfflineSince int64           `json:"offline_since,omitempty"`
	LastSeen     int64           `json:"last_seen,omitempty"`
	AddedAt      int64           `json:"added_at,omitempty"`
}

type addressRecord struct {
	Address      string `json:"address"`
	Source       int    `json:"source,omitempty"`
	LastSeen     int64  `json:"last_seen,omitempty"`
	FailureCount int    `json:"failure_count,omitempty"`
	Quality      int    `json:"quality,omitempty"`
}

func encodePeer(p *Peer) ([]byte, error) {
	rec := peerRecord{
		PublicKey: p.PublicKey,
		NodeID:    p.NodeID.Bytes(),
		Features:  uint64(p.Features),
		BanReason: p.Ban.Reason,
	}
	if !p.Ban.Until.IsZero() {
		rec.BanUntil = p.Ban.Until.Unix()
	}
	if !p.OfflineSince.IsZero() {
		rec.OfflineSince = p.OfflineSince.Unix()
	}
	if !p.LastSeen.IsZero() {
		rec.LastSeen = p.LastSeen.Unix()
	}
	if !p.AddedAt.IsZero() {
		rec.AddedAt = p.AddedAt.Unix()
	}
	for _, a := range p.Addresses {
		ar := addressRecord{
			Address:      a.Address.String(),
			Source:       int(a.Source),
			FailureCount: a.FailureCount,
			Quality:      a.Quality,
		}
		if !a.LastSeen.IsZero() {
			ar.LastSeen = a.LastSeen.Unix()
		}
		rec.Addresses = append(rec.Addresses, ar)
	}
	return json.Marshal(rec)
}

func decodePeer(data []byte) (*Peer, error) {
	var rec peerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	nodeID, err := types.NodeIDFromBytes(rec.NodeID)
	if err != nil {
		// 旧记录缺失 NodeID 时重新派生
		nodeID, err = types.NodeIDFromPublicKey(rec.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}

	p := &Peer{
		PublicKey: crypto.PublicKey(rec.PublicKey),
		NodeID:    nodeID,
		Features:  types.Features(rec.Features),
	}
	if rec.BanUntil != 0 {
		p.Ban = types.BanRecord{Reason: rec.BanReason, Until: time.Unix(rec.BanUntil, 0)}
	}
	if rec.OfflineSince != 0 {
		p.OfflineSince = time.Unix(rec.OfflineSince, 0)
	}
	if rec.LastSeen != 0 {
		p.LastSeen = time.Unix(rec.LastSeen, 0)
	}
	if rec.AddedAt != 0 {
		p.AddedAt = time.Unix(rec.AddedAt, 0)
	}
	for _, ar := range rec.Addresses {
		addr, err := multiaddr.New(ar.Address)
		if err != nil {
			// 无法解析的历史地址跳过
			continue
		}
		pa := PeerAddress{
			Address:      addr,
			Source:       AddressSource(ar.Source),
			FailureCount: ar.FailureCount,
			Quality:      ar.Quality,
		}
		if ar.LastSeen != 0 {
			pa.LastSeen = time.Unix(ar.LastSeen, 0)
		}
		p.Addresses = append(p.Addresses, pa)
	}
	return p, nil
}
