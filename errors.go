package nexmesh

import (
	"errors"

	"github.com/nexmesh/go-nexmesh/internal/core/connmgr"
	"github.com/nexmesh/go-nexmesh/internal/core/dht"
	"github.com/nexmesh/go-nexmesh/internal/core/dht/saf"
	"github.com/nexmesh/go-nexmesh/internal/core/noise"
	"github.com/nexmesh/go-nexmesh/internal/core/peerstore"
	"github.com/nexmesh/go-nexmesh/internal/core/rpc"
	"github.com/nexmesh/go-nexmesh/internal/core/transport"
)

// ErrorKind 公共 API 的稳定错误枚举
//
// 跨 API 边界的错误只按种类区分；自由文本描述仅用于日志。
type ErrorKind int

const (
	// KindUnknown 未归类
	KindUnknown ErrorKind = iota

	// 传输层
	KindAddressNotSupported
	KindDialFailure
	KindTimeout
	KindCancelled

	// 会话层
	KindHandshakeFailure
	KindIdentityMismatch
	KindVersionIncompatible

	// 连接层
	KindDuplicateConnection
	KindPeerBanned
	KindTooManySessions
	KindConnectionClosed

	// 消息层
	KindDecodeError
	KindSignatureInvalid
	KindDecryptFailed
	KindExpired
	KindDuplicateDropped

	// DHT
	KindNoEligiblePeers
	KindSafFull
	KindDiscoveryTimedOut

	// 存储
	KindNotFound
	KindCorruption
)

// String 返回错误种类的字符串表示
func (k ErrorKind) String() string {
	switch k {
	case KindAddressNotSupported:
		return "address-not-supported"
	case KindDialFailure:
		return "dial-failure"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindHandshakeFailure:
		return "handshake-failure"
	case KindIdentityMismatch:
		return "identity-mismatch"
	case KindVersionIncompatible:
		return "version-incompatible"
	case KindDuplicateConnection:
		return "duplicate-connection"
	case KindPeerBanned:
		return "peer-banned"
	case KindTooManySessions:
		return "too-many-sessions"
	case KindConnectionClosed:
		return "connection-closed"
	case KindDecodeError:
		return "decode-error"
	case KindSignatureInvalid:
		return "signature-invalid"
	case KindDecryptFailed:
		return "decrypt-failed"
	case KindExpired:
		return "expired"
	case KindDuplicateDropped:
		return "duplicate-dropped"
	case KindNoEligiblePeers:
		return "no-eligible-peers"
	case KindSafFull:
		return "saf-full"
	case KindDiscoveryTimedOut:
		return "discovery-timed-out"
	case KindNotFound:
		return "not-found"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// KindOf 把内部错误映射到稳定枚举
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, transport.ErrAddressNotSupported):
		return KindAddressNotSupported
	case errors.Is(err, transport.ErrTimeout):
		return KindTimeout
	case errors.Is(err, transport.ErrCancelled):
		return KindCancelled
	case errors.Is(err, noise.ErrIdentityMismatch):
		return KindIdentityMismatch
	case errors.Is(err, noise.ErrVersionIncompatible):
		return KindVersionIncompatible
	case errors.Is(err, noise.ErrHandshakeFailed):
		return KindHandshakeFailure
	case errors.Is(err, connmgr.ErrDuplicateConnection):
		return KindDuplicateConnection
	case errors.Is(err, connmgr.ErrPeerBanned):
		return KindPeerBanned
	case errors.Is(err, connmgr.ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, connmgr.ErrAllDialsFailed), errors.Is(err, connmgr.ErrNoAddresses), errors.Is(err, connmgr.ErrDialBackoff):
		return KindDialFailure
	case errors.Is(err, rpc.ErrTooManySessions):
		return KindTooManySessions
	case errors.Is(err, dht.ErrNoEligiblePeers):
		return KindNoEligiblePeers
	case errors.Is(err, dht.ErrDuplicateDropped):
		return KindDuplicateDropped
	case errors.Is(err, dht.ErrDiscoveryTimedOut):
		return KindDiscoveryTimedOut
	case errors.Is(err, saf.ErrFull):
		return KindSafFull
	case errors.Is(err, peerstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, peerstore.ErrCorruptRecord):
		return KindCorruption
	default:
		if isDialError(err) {
			return KindDialFailure
		}
		return KindUnknown
	}
}

// isDialError 判断是否为传输层拨号失败
func isDialError(err error) bool {
	var de *transport.DialError
	return errors.As(err, &de)
}
