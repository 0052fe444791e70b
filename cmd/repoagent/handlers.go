package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/warp-terra/repoagent/internal/agent"
	"github.com/warp-terra/repoagent/internal/backoff"
	"github.com/warp-terra/repoagent/internal/config"
	"github.com/warp-terra/repoagent/internal/daemon"
	"github.com/warp-terra/repoagent/internal/observability"
	"github.com/warp-terra/repoagent/internal/remote"
	"github.com/warp-terra/repoagent/internal/session"
	"github.com/warp-terra/repoagent/internal/tools"
)

// minMaxEvents is the floor applied to --max-events.
const minMaxEvents = 200

// serveOptions carries the serve-command flags.
type serveOptions struct {
	host      string
	port      int
	token     string
	maxEvents int
	logJSON   bool
}

// runServe runs the daemon in-process until SIGINT/SIGTERM or /shutdown.
func runServe(ctx context.Context, opts serveOptions) error {
	if opts.logJSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	logger := slog.Default()

	stopTracing, err := observability.SetupTracing(observability.TraceConfig{
		ServiceName: "repoagent",
		Endpoint:    config.OTLPEndpoint(),
		Insecure:    config.OTLPInsecure(),
	})
	if err != nil {
		logger.Warn("tracing setup failed", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	workspace, err := tools.DefaultWorkspace()
	if err != nil {
		return err
	}
	registry, err := tools.NewRegistry(workspace, logger)
	if err != nil {
		return err
	}

	maxEvents := opts.maxEvents
	if maxEvents < minMaxEvents {
		maxEvents = minMaxEvents
	}

	manager := session.NewManager(func() (agent.Runtime, error) {
		return agent.NewRuntime(context.Background())
	}, registry, maxEvents, logger)

	server := daemon.NewServer(daemon.Options{
		Host:    opts.host,
		Port:    opts.port,
		Token:   opts.token,
		Manager: manager,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

// runLaunch spawns the daemon as a child process, probes it until healthy,
// attaches the chat client, and tears the child down on exit.
func runLaunch(ctx context.Context, opts *launchOptions) error {
	endpoint := fmt.Sprintf("http://%s:%d", opts.host, opts.port)
	client := remote.NewClient(endpoint, opts.token, remote.DefaultTimeout)

	child, exited, err := startDaemonChild(opts)
	if err != nil {
		return err
	}
	defer stopDaemonChild(client, child, exited)

	if err := waitDaemonReady(ctx, client, exited, opts.startupTimeout); err != nil {
		return err
	}

	return runChat(ctx, client, endpoint, opts.sessionID)
}

// startDaemonChild re-execs this binary with the serve subcommand. The
// token travels through the environment so it never shows up in process
// listings.
func startDaemonChild(opts *launchOptions) (*exec.Cmd, <-chan error, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("定位可执行文件失败：%w", err)
	}

	child := exec.Command(exe, "serve",
		"--host", opts.host,
		"--port", strconv.Itoa(opts.port),
		"--max-events", strconv.Itoa(opts.maxEvents),
	)
	child.Env = append(os.Environ(), "AGENTD_TOKEN="+opts.token)
	child.Stdout = os.Stderr
	child.Stderr = os.Stderr

	if err := child.Start(); err != nil {
		return nil, nil, fmt.Errorf("启动 agent 子进程失败：%w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- child.Wait()
		close(exited)
	}()
	return child, exited, nil
}

// waitDaemonReady polls /health until the deadline, failing fast if the
// child dies first.
func waitDaemonReady(ctx context.Context, client *remote.Client, exited <-chan error, timeout time.Duration) error {
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			return fmt.Errorf("agent 子进程已退出：%v", err)
		default:
		}

		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if err := backoff.SleepWithContext(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
	return fmt.Errorf("等待 agent 启动超时（%s）：%v", timeout, lastErr)
}

// stopDaemonChild prefers a graceful /shutdown, then falls back to killing
// the child if it lingers.
func stopDaemonChild(client *remote.Client, child *exec.Cmd, exited <-chan error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = client.Shutdown(shutdownCtx)
	cancel()

	select {
	case <-exited:
		return
	case <-time.After(5 * time.Second):
	}

	_ = child.Process.Kill()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
	}
}
