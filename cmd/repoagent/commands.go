package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/warp-terra/repoagent/internal/config"
	"github.com/warp-terra/repoagent/internal/session"
)

// launchOptions carries the root-command flags.
type launchOptions struct {
	host           string
	port           int
	token          string
	sessionID      string
	maxEvents      int
	startupTimeout time.Duration
}

// buildRootCmd creates the default command: run a managed daemon child and
// attach the interactive chat client.
func buildRootCmd() *cobra.Command {
	opts := &launchOptions{}

	cmd := &cobra.Command{
		Use:           "repoagent",
		Short:         "本地代码仓库问答 Agent",
		Long:          "启动托管的 agent 守护进程，并附着交互式问答客户端。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				opts.token = config.Token()
			}
			return runLaunch(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", config.Host(), "agent 服务监听地址")
	cmd.Flags().IntVar(&opts.port, "port", config.Port(), "agent 服务监听端口")
	cmd.Flags().StringVar(&opts.token, "token", "", "agent 服务访问令牌（请求头 X-Agent-Token）")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "附着的会话 ID（默认新建）")
	cmd.Flags().IntVar(&opts.maxEvents, "max-events", session.DefaultMaxEvents, "每个会话保留的最大事件数")
	cmd.Flags().DurationVar(&opts.startupTimeout, "startup-timeout", 15*time.Second, "等待 agent 服务启动的超时时间")

	return cmd
}

// buildServeCmd creates the "serve" command that runs the daemon in the
// current process.
func buildServeCmd() *cobra.Command {
	var (
		host      string
		port      int
		token     string
		maxEvents int
		logJSON   bool
	)

	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "直接运行 agent 守护进程",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = config.Token()
			}
			return runServe(cmd.Context(), serveOptions{
				host:      host,
				port:      port,
				token:     token,
				maxEvents: maxEvents,
				logJSON:   logJSON,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", config.Host(), "监听地址")
	cmd.Flags().IntVar(&port, "port", config.Port(), "监听端口")
	cmd.Flags().StringVar(&token, "token", "", "访问令牌（请求头 X-Agent-Token）")
	cmd.Flags().IntVar(&maxEvents, "max-events", session.DefaultMaxEvents, "每个会话保留的最大事件数")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "以 JSON 格式输出日志")

	return cmd
}
