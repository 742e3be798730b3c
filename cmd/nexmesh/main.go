// nexmesh 守护进程：启动一个通信基座节点
//
// 示例：
//
//	nexmesh -listen /ip4/0.0.0.0/tcp/18189 -data ./data \
//	        -seed <base58公钥>@/ip4/10.0.0.5/tcp/18189
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mr-tron/base58"

	nexmesh "github.com/nexmesh/go-nexmesh"
	"github.com/nexmesh/go-nexmesh/pkg/lib/crypto"
	"github.com/nexmesh/go-nexmesh/pkg/lib/log"
)

func main() {
	var (
		listenAddr = flag.String("listen", "/ip4/0.0.0.0/tcp/18189", "监听地址")
		dataDir    = flag.String("data", "data", "数据目录")
		debug      = flag.Bool("debug", false, "输出调试日志")
		seeds      seedList
	)
	flag.Var(&seeds, "seed", "种子节点，<base58公钥>@<多地址>，可重复")
	flag.Parse()

	if *debug {
		log.SetOutputWithLevel(os.Stderr, slog.LevelDebug)
	}

	if err := run(*listenAddr, *dataDir, seeds); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(listenAddr, dataDir string, seeds seedList) error {
	cfg := nexmesh.DefaultConfig()
	cfg.DatastorePath = dataDir
	cfg.ListenAddrs = []string{listenAddr}

	node, err := nexmesh.NewNode(cfg)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		node.Close()
		return err
	}

	for _, s := range seeds {
		if err := node.AddPeer(s.pub, s.addr); err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
		}
	}

	fmt.Println("node id:", node.NodeID())
	fmt.Println("public key:", node.PublicKey())
	for _, a := range node.ListenAddresses() {
		fmt.Println("listening on:", a)
	}

	// 宿主信号或 API 触发的关闭统一走这里
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		fmt.Println("signal:", s)
	case <-node.ShutdownSignal():
	}
	return node.Close()
}

// seed 种子节点
type seed struct {
	pub  crypto.PublicKey
	addr string
}

// seedList flag.Value 实现
type seedList []seed

func (l *seedList) String() string {
	parts := make([]string, 0, len(*l))
	for _, s := range *l {
		parts = append(parts, s.addr)
	}
	return strings.Join(parts, ",")
}

func (l *seedList) Set(v string) error {
	idx := strings.IndexByte(v, '@')
	if idx <= 0 {
		return fmt.Errorf("seed %q: want <pubkey>@<multiaddr>", v)
	}
	pub, err := base58.Decode(v[:idx])
	if err != nil {
		return fmt.Errorf("seed public key: %w", err)
	}
	*l = append(*l, seed{pub: crypto.PublicKey(pub), addr: v[idx+1:]})
	return nil
}
