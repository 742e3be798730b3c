// Package metrics 提供 Prometheus 指标注册
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 核心指标集合
type Metrics struct {
	// MessagesIn 入站处理的消息数
	MessagesIn prometheus.Counter
	// MessagesOut 出站入队的消息数
	MessagesOut prometheus.Counter
	// MessagesForwarded 转发的消息数
	MessagesForwarded prometheus.Counter
	// MessagesDelivered 交付应用的消息数
	MessagesDelivered prometheus.Counter
	// DedupDropped 去重丢弃数
	DedupDropped prometheus.Counter
	// SafStored 代存写入数
	SafStored prometheus.Counter
	// SafReturned 检索返回的代存消息数
	SafReturned prometheus.Counter
	// SendFailures 出站发送失败数
	SendFailures prometheus.Counter
	// ActiveConnections 活动连接数
	ActiveConnections prometheus.Gauge
}

// New 创建并注册指标
//
// registry 为 nil 时只创建不注册，测试用。
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "messages_in_total",
			Help: "Inbound envelopes processed.",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "messages_out_total",
			Help: "Outbound envelopes enqueued.",
		}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "messages_forwarded_total",
			Help: "Envelopes forwarded towards their destination.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "messages_delivered_total",
			Help: "Envelopes delivered to the application.",
		}),
		DedupDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "dedup_dropped_total",
			Help: "Envelopes dropped by the dedup cache.",
		}),
		SafStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "saf", Name: "stored_total",
			Help: "Envelopes stored for offline destinations.",
		}),
		SafReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "saf", Name: "returned_total",
			Help: "Stored envelopes returned to retrieval requests.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexmesh", Subsystem: "dht", Name: "send_failures_total",
			Help: "Outbound send attempts that failed.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexmesh", Subsystem: "comms", Name: "active_connections",
			Help: "Currently active peer connections.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.MessagesIn, m.MessagesOut, m.MessagesForwarded, m.MessagesDelivered,
			m.DedupDropped, m.SafStored, m.SafReturned, m.SendFailures,
			m.ActiveConnections,
		)
	}
	return m
}
