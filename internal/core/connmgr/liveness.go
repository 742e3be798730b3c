package connmgr

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/interfaces"
	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// 连接首字节声明会话种类
const (
	// wireModeComms 正常通信会话
	wireModeComms byte = 0x4e
	// wireModeLiveness 活性探测会话
	wireModeLiveness byte = 0x50
)

// livenessPing 探测负载
var livenessPing = []byte("ping")

// handleLiveness 活性探测会话：原样回显每次读到的字节，直到对端关闭
// 或 30 秒内无数据
//
// 仅允许来源 IP 落在 LivenessAllowlistCIDRs 内的连接；
// 无法取得来源地址的连接一律拒绝。
func (m *Manager) handleLiveness(raw interfaces.Stream) {
	defer raw.Close()

	if !m.livenessAllowed(raw) {
		return
	}

	raw.SetDeadline(time.Now().Add(30 * time.Second))
	buf := make([]byte, 64)
	for {
		n, err := raw.Read(buf)
		if err != nil {
			return
		}
		if _, err := raw.Write(buf[:n]); err != nil {
			return
		}
		raw.SetDeadline(time.Now().Add(30 * time.Second))
	}
}

// livenessAllowed 判断来源是否在允许网段内
func (m *Manager) livenessAllowed(raw interfaces.Stream) bool {
	if len(m.cfg.LivenessAllowlistCIDRs) == 0 {
		return false
	}
	ra, ok := raw.(interface{ RemoteAddr() net.Addr })
	if !ok {
		return false
	}
	host, _, err := net.SplitHostPort(ra.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return m.cfg.LivenessAllowlistCIDRs.Contains(ip)
}

// selfLivenessLoop 周期性探测自身监听器可达性
func (m *Manager) selfLivenessLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.LivenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, addr := range m.ListenAddresses() {
				if err := m.probeListener(addr); err != nil {
					logger.Warn("监听器活性自检失败", "addr", addr.String(), "error", err)
				}
			}
		case <-m.shutdown:
			return
		}
	}
}

// probeListener 对单个监听地址做一次 ping/echo 往返
func (m *Manager) probeListener(addr multiaddr.Multiaddr) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, err := m.transports.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer raw.Close()

	raw.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := raw.Write([]byte{wireModeLiveness}); err != nil {
		return err
	}
	if _, err := raw.Write(livenessPing); err != nil {
		return err
	}

	echo := make([]byte, len(livenessPing))
	if _, err := io.ReadFull(raw, echo); err != nil {
		return err
	}
	return nil
}
