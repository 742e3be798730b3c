package noise

import (
	"context"
	"fmt"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
	"github.com/nexmesh/go-nexmesh/pkg/types"
)

var logger = log.Logger("core/noise")

// Config 会话层配置
type Config struct {
	// HandshakeTimeout 握手整体超时
	HandshakeTimeout time.Duration
	// Features 本端宣告的能力位
	Features types.Features
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		Features:         types.DefaultFeatures(),
	}
}

// Sessioner 在原始字节流上建立加密会话
type Sessioner struct {
	identity *crypto.Identity
	cfg      Config
}

// New 创建会话层
func New(identity *crypto.Identity, cfg Config) (*Sessioner, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity is nil")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	return &Sessioner{identity: identity, cfg: cfg}, nil
}

// SecureOutbound 保护出站连接
//
// expected 为拨号目标的 NodeID，握手后校验身份绑定。
func (s *Sessioner) SecureOutbound(ctx context.Context, conn interfaces.Stream, expected types.NodeID) (interfaces.SecureSession, error) {
	return s.secure(ctx, conn, expected, true)
}

// SecureInbound 保护入站连接
//
// 从对端静态密钥学习其身份。
func (s *Sessioner) SecureInbound(ctx context.Context, conn interfaces.Stream) (interfaces.SecureSession, error) {
	return s.secure(ctx, conn, types.NodeID{}, false)
}

func (s *Sessioner) secure(ctx context.Context, conn interfaces.Stream, expected types.NodeID, initiator bool) (interfaces.SecureSession, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	sc, err := performHandshake(conn, s.identity, expected, initiator)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// 握手完成后立即交换签名的版本+能力帧
	if err := s.negotiateVersion(sc, initiator); err != nil {
		conn.Close()
		return nil, err
	}

	// 清除握手截止时间
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sc.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	logger.Debug("Noise 会话已建立",
		"remote", sc.remoteNodeID.ShortString(),
		"initiator", initiator,
		"features", uint64(sc.remoteFeatures))
	return sc, nil
}

// negotiateVersion 版本与能力协商
//
// 双方在加密通道内互发签名帧，校验签名后取能力交集；
// 交集为空视为不兼容。发起方先发后收，响应方先收后发。
func (s *Sessioner) negotiateVersion(sc *secureConn, initiator bool) error {
	local := &versionFrame{
		Version:  protocolVersion,
		Features: uint64(s.cfg.Features),
	}
	local.Signature = s.identity.Sign(local.signedBytes())

	frame, err := local.Marshal()
	if err != nil {
		return err
	}

	send := func() error {
		if err := writeFrame(sc, frame); err != nil {
			return fmt.Errorf("%w: send version frame: %v", ErrHandshakeFailed, err)
		}
		return nil
	}

	var remoteBytes []byte
	recv := func() error {
		var err error
		remoteBytes, err = readFrame(sc)
		if err != nil {
			return fmt.Errorf("%w: receive version frame: %v", ErrHandshakeFailed, err)
		}
		return nil
	}

	steps := []func() error{send, recv}
	if !initiator {
		steps = []func() error{recv, send}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	remote := &versionFrame{}
	if err := remote.Unmarshal(remoteBytes); err != nil {
		return err
	}
	if !crypto.Verify(sc.remoteKey, remote.signedBytes(), remote.Signature) {
		return fmt.Errorf("%w: version frame signature invalid", ErrIdentityMismatch)
	}

	common := s.cfg.Features.Intersect(types.Features(remote.Features))
	if common == 0 {
		return fmt.Errorf("%w: no common features (local=%x remote=%x)",
			ErrVersionIncompatible, uint64(s.cfg.Features), remote.Features)
	}
	sc.remoteFeatures = common
	return nil
}
