// Package multiaddr 实现自描述网络地址
//
// 地址形如 /ip4/127.0.0.1/tcp/9000、/onion3/<addr>:<port>、/memory/7。
// 地址链由 (协议, 值) 组件组成；是否可拨号由当前激活的传输层决定。
package multiaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Component 地址组件
type Component struct {
	// Protocol 协议描述
	Protocol Protocol
	// Value 协议值
	Value string
}

// Multiaddr 自描述网络地址
type Multiaddr struct {
	components []Component
}

// New 从字符串解析多地址
func New(s string) (Multiaddr, error) {
	if s == "" || s[0] != '/' {
		return Multiaddr{}, fmt.Errorf("%w: %q", ErrEmptyAddress, s)
	}

	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	var comps []Component
	for i := 0; i < len(parts); i++ {
		if parts[i] == "" {
			return Multiaddr{}, fmt.Errorf("%w: empty component in %q", ErrInvalidValue, s)
		}
		proto, ok := ProtocolWithName(parts[i])
		if !ok {
			return Multiaddr{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, parts[i])
		}
		if !proto.HasValue {
			comps = append(comps, Component{Protocol: proto})
			continue
		}
		if i+1 >= len(parts) {
			return Multiaddr{}, fmt.Errorf("%w: %s", ErrMissingValue, proto.Name)
		}
		i++
		c := Component{Protocol: proto, Value: parts[i]}
		if err := validate(c); err != nil {
			return Multiaddr{}, err
		}
		comps = append(comps, c)
	}

	if len(comps) == 0 {
		return Multiaddr{}, ErrEmptyAddress
	}
	return Multiaddr{components: comps}, nil
}

// validate 校验组件值
func validate(c Component) error {
	switch c.Protocol.Code {
	case CodeIP4:
		ip := net.ParseIP(c.Value)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: ip4 %q", ErrInvalidValue, c.Value)
		}
	case CodeIP6:
		ip := net.ParseIP(c.Value)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: ip6 %q", ErrInvalidValue, c.Value)
		}
	case CodeTCP, CodeMemory:
		n, err := strconv.ParseUint(c.Value, 10, 32)
		if err != nil || (c.Protocol.Code == CodeTCP && n > 65535) {
			return fmt.Errorf("%w: %s %q", ErrInvalidValue, c.Protocol.Name, c.Value)
		}
	case CodeOnion3:
		// 形如 <56字符地址> 或 <地址>:<端口>
		host := c.Value
		if idx := strings.IndexByte(c.Value, ':'); idx >= 0 {
			host = c.Value[:idx]
			if _, err := strconv.ParseUint(c.Value[idx+1:], 10, 16); err != nil {
				return fmt.Errorf("%w: onion3 port in %q", ErrInvalidValue, c.Value)
			}
		}
		if len(host) != 56 {
			return fmt.Errorf("%w: onion3 address %q", ErrInvalidValue, host)
		}
	}
	return nil
}

// String 返回字符串表示
func (m Multiaddr) String() string {
	var b strings.Builder
	for _, c := range m.components {
		b.WriteByte('/')
		b.WriteString(c.Protocol.Name)
		if c.Protocol.HasValue {
			b.WriteByte('/')
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// IsZero 判断是否为零值
func (m Multiaddr) IsZero() bool {
	return len(m.components) == 0
}

// Equal 判断两个地址是否相等
func (m Multiaddr) Equal(other Multiaddr) bool {
	return m.String() == other.String()
}

// Components 返回组件列表
func (m Multiaddr) Components() []Component {
	return m.components
}

// First 返回首个组件的协议
func (m Multiaddr) First() (Protocol, bool) {
	if len(m.components) == 0 {
		return Protocol{}, false
	}
	return m.components[0].Protocol, true
}

// ValueFor 获取指定协议代码的值
func (m Multiaddr) ValueFor(code int) (string, bool) {
	for _, c := range m.components {
		if c.Protocol.Code == code {
			return c.Value, true
		}
	}
	return "", false
}

// Has 判断是否包含指定协议
func (m Multiaddr) Has(code int) bool {
	_, ok := m.ValueFor(code)
	return ok
}

// ToTCPAddr 转换为 host:port 形式的 TCP 拨号地址
func (m Multiaddr) ToTCPAddr() (string, error) {
	port, ok := m.ValueFor(CodeTCP)
	if !ok {
		return "", ErrNotTCP
	}
	if host, ok := m.ValueFor(CodeIP4); ok {
		return net.JoinHostPort(host, port), nil
	}
	if host, ok := m.ValueFor(CodeIP6); ok {
		return net.JoinHostPort(host, port), nil
	}
	if host, ok := m.ValueFor(CodeDNS4); ok {
		return net.JoinHostPort(host, port), nil
	}
	return "", ErrNotTCP
}

// ToOnionAddr 返回 onion 地址与端口
func (m Multiaddr) ToOnionAddr() (host string, port uint16, err error) {
	v, ok := m.ValueFor(CodeOnion3)
	if !ok {
		return "", 0, fmt.Errorf("%w: no onion3 component", ErrInvalidValue)
	}
	host = v
	port = 80
	if idx := strings.IndexByte(v, ':'); idx >= 0 {
		host = v[:idx]
		p, perr := strconv.ParseUint(v[idx+1:], 10, 16)
		if perr != nil {
			return "", 0, fmt.Errorf("%w: onion3 port", ErrInvalidValue)
		}
		port = uint16(p)
	}
	return host + ".onion", port, nil
}

// FromTCPAddr 从 net.Addr 构造 /ip4 或 /ip6 多地址
func FromTCPAddr(addr net.Addr) (Multiaddr, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return Multiaddr{}, fmt.Errorf("%w: %T", ErrInvalidValue, addr)
	}
	proto := "ip4"
	host := tcpAddr.IP.String()
	if tcpAddr.IP.To4() == nil {
		proto = "ip6"
	}
	return New(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, tcpAddr.Port))
}
