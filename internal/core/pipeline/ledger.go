package pipeline

import (
	"sync"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

// Offence 违规种类
type Offence int

const (
	// OffenceDecodeError 无法解码
	OffenceDecodeError Offence = iota
	// OffenceExpired 消息过期
	OffenceExpired
	// OffenceInvalidDestination 目的字段非法
	OffenceInvalidDestination
	// OffenceInvalidSignature 签名校验失败（严重）
	OffenceInvalidSignature
)

// severe 判断违规是否严重
func (o Offence) severe() bool {
	return o == OffenceInvalidSignature
}

// String 返回违规种类的字符串表示
func (o Offence) String() string {
	switch o {
	case OffenceDecodeError:
		return "decode-error"
	case OffenceExpired:
		return "expired"
	case OffenceInvalidDestination:
		return "invalid-destination"
	case OffenceInvalidSignature:
		return "invalid-signature"
	default:
		return "unknown"
	}
}

// LedgerConfig 记分配置
type LedgerConfig struct {
	// ScorePerOffence 普通违规的记分
	ScorePerOffence int
	// ScorePerSevereOffence 严重违规的记分
	ScorePerSevereOffence int
	// BanThreshold 触发封禁的累计分
	BanThreshold int
	// BanDurationShort 普通违规触发的封禁时长
	BanDurationShort time.Duration
	// BanDuration 严重违规触发的封禁时长
	BanDuration time.Duration
}

// DefaultLedgerConfig 返回默认记分配置
//
// 严重违规三振出局：每次 1 分、阈值 3 分。
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ScorePerOffence:       1,
		ScorePerSevereOffence: 1,
		BanThreshold:          3,
		BanDurationShort:      30 * time.Minute,
		BanDuration:           6 * time.Hour,
	}
}

// Banner 执行封禁的最小接口
type Banner interface {
	BanPeer(pub crypto.PublicKey, duration time.Duration, reason string) error
}

// peerScore 单节点记分
type peerScore struct {
	score  int
	severe bool
}

// Ledger 不当行为记分簿
//
// 消息级错误不断连；按违规记分，越过阈值触发封禁：
// 含严重违规用 BanDuration，否则 BanDurationShort。
type Ledger struct {
	mu     sync.Mutex
	cfg    LedgerConfig
	scores map[types.NodeID]*peerScore
	banner Banner
}

// NewLedger 创建记分簿
func NewLedger(cfg LedgerConfig, banner Banner) *Ledger {
	return &Ledger{
		cfg:    cfg,
		scores: make(map[types.NodeID]*peerScore),
		banner: banner,
	}
}

// Record 记录一次违规，必要时触发封禁
//
// 返回 true 表示该节点因此被封禁。
func (l *Ledger) Record(peer types.NodeID, pub crypto.PublicKey, offence Offence) bool {
	l.mu.Lock()
	s, ok := l.scores[peer]
	if !ok {
		s = &peerScore{}
		l.scores[peer] = s
	}
	if offence.severe() {
		s.score += l.cfg.ScorePerSevereOffence
		s.severe = true
	} else {
		s.score += l.cfg.ScorePerOffence
	}
	banned := s.score >= l.cfg.BanThreshold
	severe := s.severe
	score := s.score
	if banned {
		delete(l.scores, peer)
	}
	l.mu.Unlock()

	logger.Debug("记录不当行为",
		"peer", peer.ShortString(),
		"offence", offence.String(),
		"score", score,
		"banned", banned)

	if !banned || l.banner == nil {
		return banned
	}

	duration := l.cfg.BanDurationShort
	if severe {
		duration = l.cfg.BanDuration
	}
	if err := l.banner.BanPeer(pub, duration, offence.String()); err != nil {
		logger.Warn("封禁失败", "peer", peer.ShortString(), "error", err)
	}
	return true
}

// ScoreOf 返回节点当前记分
func (l *Ledger) ScoreOf(peer types.NodeID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.scores[peer]; ok {
		return s.score
	}
	return 0
}
