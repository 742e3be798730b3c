package connectivity

import "time"

// Config 连通性服务配置
type Config struct {
	// MinConnectivity 转为 Online 所需的最少活动连接数
	MinConnectivity int

	// PoolRefreshInterval 连接池巡检间隔：重拨管理节点、刷新池、回收
	PoolRefreshInterval time.Duration

	// NumNeighbouringNodes 邻居池大小（XOR 距离最近的 k 个）
	NumNeighbouringNodes int

	// NumRandomNodes 随机池大小
	NumRandomNodes int

	// RandomPoolRefreshInterval 随机池刷新间隔
	RandomPoolRefreshInterval time.Duration

	// MinimizeConnections 裁剪邻居池与随机池之外的连接
	MinimizeConnections bool

	// IsConnectionReapingEnabled 是否回收不活跃连接
	IsConnectionReapingEnabled bool

	// ReaperMinConnectionThreshold 低于该连接数不做回收
	ReaperMinConnectionThreshold int

	// ReaperMinInactiveAge 连接可被回收的最小不活跃时长
	ReaperMinInactiveAge time.Duration

	// MaxFailuresMarkOffline 连续失败多少次后标记节点离线
	MaxFailuresMarkOffline int

	// ExpirePeerLastSeenDuration 超过该时长未见的节点从存储清除
	ExpirePeerLastSeenDuration time.Duration

	// MinimumDesiredTCPv4NodeRatio TCPv4 连接占比低于该值时告警
	MinimumDesiredTCPv4NodeRatio float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MinConnectivity:              1,
		PoolRefreshInterval:          60 * time.Second,
		NumNeighbouringNodes:         8,
		NumRandomNodes:               4,
		RandomPoolRefreshInterval:    2 * time.Hour,
		MinimizeConnections:          false,
		IsConnectionReapingEnabled:   true,
		ReaperMinConnectionThreshold: 50,
		ReaperMinInactiveAge:         20 * time.Minute,
		MaxFailuresMarkOffline:       1,
		ExpirePeerLastSeenDuration:   24 * time.Hour,
		MinimumDesiredTCPv4NodeRatio: 0.1,
	}
}
