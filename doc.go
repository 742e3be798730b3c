// Package nexmesh 是点对点通信基座
//
// 一组独立节点通过它组成自组织覆盖网络：节点互相发现、
// 建立经 Noise 认证加密的连接，并直接或经 DHT 路由与
// 存储转发交换消息。
//
// 核心组成：
//   - 节点存储（badger 持久化，XOR 距离查询）
//   - 可插拔传输（TCP、SOCKS5、Tor、进程内）
//   - Noise XX 会话层与身份绑定
//   - yamux 子流多路复用
//   - 连接管理（拨号去重、同时建连裁决、退避、封禁）
//   - 连通性服务（健康视图、邻居池、连接回收）
//   - DHT 覆盖层（路由策略、去重、存储转发、节点发现）
//
// 使用入口为 Node：
//
//	node, err := nexmesh.NewNode(cfg, nexmesh.WithListenAddrs(addr))
//	if err != nil { ... }
//	if err := node.Start(); err != nil { ... }
//	defer node.Close()
//
//	node.SendDirect(ctx, peerID, []byte("hello"))
//	for msg := range node.Messages() { ... }
package nexmesh
