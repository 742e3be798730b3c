package connmgr

import (
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/multiaddr"
)

// Config 连接管理器配置
type Config struct {
	// DialTimeout 单个节点拨号整体超时
	DialTimeout time.Duration

	// TieBreakLinger 同时拨号落败连接延迟关闭的时间
	TieBreakLinger time.Duration

	// BackoffBase 拨号失败退避基数
	BackoffBase time.Duration

	// BackoffMax 退避上限
	BackoffMax time.Duration

	// BackoffJitter 退避抖动比例（0~1）
	BackoffJitter float64

	// LivenessCheckInterval 自身监听器活性自检间隔，0 关闭
	LivenessCheckInterval time.Duration

	// LivenessAllowlistCIDRs 允许发起活性探测的来源网段
	LivenessAllowlistCIDRs multiaddr.CIDRList

	// AllowTestAddresses 允许 /memory 等测试地址
	AllowTestAddresses bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DialTimeout:    30 * time.Second,
		TieBreakLinger: 2 * time.Second,
		BackoffBase:    2 * time.Second,
		BackoffMax:     10 * time.Minute,
		BackoffJitter:  0.25,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultConfig().DialTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultConfig().BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = DefaultConfig().BackoffMax
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = DefaultConfig().BackoffJitter
	}
	return nil
}
