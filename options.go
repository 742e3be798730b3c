package nexmesh

import (
	"time"

	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
)

// Option 节点构造选项
type Option func(*nodeOptions)

// nodeOptions 构造期参数
type nodeOptions struct {
	identity *crypto.Identity
}

// WithIdentity 使用调用方托管的身份密钥
//
// 不指定时生成一次性身份（仅适合测试；生产环境应由调用方
// 提供长期密钥）。
func WithIdentity(id *crypto.Identity) Option {
	return func(o *nodeOptions) {
		o.identity = id
	}
}

// WithListenAddrs 追加监听地址
func WithListenAddrs(addrs ...string) func(*Config) {
	return func(c *Config) {
		c.ListenAddrs = append(c.ListenAddrs, addrs...)
	}
}

// WithMemoryTransport 切换到进程内传输，测试用
func WithMemoryTransport() func(*Config) {
	return func(c *Config) {
		c.Transport = TransportMemory
		c.AllowTestAddresses = true
		c.ConnMgr.AllowTestAddresses = true
	}
}

// WithAutoJoinDisabled 关闭自动入网宣告
func WithAutoJoinDisabled() func(*Config) {
	return func(c *Config) {
		c.Dht.AutoJoin = false
	}
}

// WithDiscoveryInterval 调整发现轮间隔
func WithDiscoveryInterval(aggressive, idle time.Duration) func(*Config) {
	return func(c *Config) {
		c.Dht.Discovery.AggressivePeriod = aggressive
		c.Dht.Discovery.IdlePeriod = idle
	}
}
