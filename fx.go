package nexmesh

import (
	"context"

	"go.uber.org/fx"
)

// Module 返回 Fx 模块
//
// 宿主应用用 fx 组装时，把配置与可选项注入即可获得受生命
// 周期管理的 Node。
func Module() fx.Option {
	return fx.Module("nexmesh",
		fx.Provide(provideNode),
		fx.Invoke(registerLifecycle),
	)
}

// nodeParams Fx 输入参数
type nodeParams struct {
	fx.In

	Config  Config
	Options []Option `group:"nexmesh_options"`
}

// provideNode 提供 Node 实例
func provideNode(p nodeParams) (*Node, error) {
	args := make([]any, 0, len(p.Options))
	for _, o := range p.Options {
		args = append(args, o)
	}
	return NewNode(p.Config, args...)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In

	LC   fx.Lifecycle
	Node *Node
}

// registerLifecycle 注册生命周期
func registerLifecycle(in lifecycleInput) {
	in.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return in.Node.Start()
		},
		OnStop: func(_ context.Context) error {
			return in.Node.Close()
		},
	})
}
