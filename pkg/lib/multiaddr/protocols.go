package multiaddr

// 协议代码
const (
	CodeIP4    = 0x0004
	CodeTCP    = 0x0006
	CodeDNS4   = 0x0036
	CodeIP6    = 0x0029
	CodeOnion3 = 0x01bd
	CodeMemory = 0x0309
)

// Protocol 协议描述
type Protocol struct {
	// Name 协议名，如 "ip4"
	Name string
	// Code 协议代码
	Code int
	// HasValue 是否携带值
	HasValue bool
}

// 支持的协议表
var protocols = []Protocol{
	{Name: "ip4", Code: CodeIP4, HasValue: true},
	{Name: "ip6", Code: CodeIP6, HasValue: true},
	{Name: "dns4", Code: CodeDNS4, HasValue: true},
	{Name: "tcp", Code: CodeTCP, HasValue: true},
	{Name: "onion3", Code: CodeOnion3, HasValue: true},
	{Name: "memory", Code: CodeMemory, HasValue: true},
}

// ProtocolWithName 按名称查找协议
func ProtocolWithName(name string) (Protocol, bool) {
	for _, p := range protocols {
		if p.Name == name {
			return p, true
		}
	}
	return Protocol{}, false
}

// ProtocolWithCode 按代码查找协议
func ProtocolWithCode(code int) (Protocol, bool) {
	for _, p := range protocols {
		if p.Code == code {
			return p, true
		}
	}
	return Protocol{}, false
}
