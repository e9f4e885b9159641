// xguardctl 是 xguard 缓存编排器的命令行工具。
//
// 用法:
//
//	xguardctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config        配置文件（.yaml/.yml/.json）
//	-r, --redis         Redis 地址，可重复，覆盖 redis.addrs
//	    --lock-backend  锁后端 redis|etcd|local，覆盖 lock.backend
//	    --log-level     日志级别，覆盖 log.level
//	-t, --timeout       单次命令超时（serve 不受限）
//
// 命令:
//
//	load <key>              按策略读取，未命中时回源（--value 或 --source）
//	preheat <key> <value>   直接写入缓存
//	invalidate <key>        删除缓存并广播本地层失效
//	ttl <key>               查看剩余存活时间
//	stampede <key>          并发互斥读取，验证回源只发生一次
//	serve                   运行预热调度、失效订阅、配置热加载与 /metrics
//
// 退出码:
//
//	0: 成功
//	1: 运行失败（连接失败、锁争用耗尽、key 不存在等）
//	2: 参数错误
//
// 示例:
//
//	xguardctl -r 127.0.0.1:6379 load user:1 --value alice --strategy mutex
//	xguardctl -r 127.0.0.1:6379 stampede hot --n 200 --delay 100ms
//	xguardctl -c /etc/xguard/xguard.yaml serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

// defaultTimeout 单次命令默认超时。
const defaultTimeout = 30 * time.Second

// 版本信息，可通过 -ldflags 注入:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD)"
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// createApp 创建 CLI 应用。
func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "xguardctl",
		Usage:     "防击穿、防雪崩的缓存编排工具",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Sources: cli.EnvVars("XGUARD_CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:    "redis",
				Aliases: []string{"r"},
				Usage:   "Redis 地址",
			},
			&cli.StringFlag{
				Name:  "lock-backend",
				Usage: "锁后端 redis|etcd|local",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 debug|info|warn|error",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "单次命令超时",
				Value:   defaultTimeout,
			},
		},
		Commands: createCommands(),
		// 退出码由 run 统一映射，不让 urfave/cli 调用 os.Exit
		ExitErrHandler: func(_ context.Context, cmd *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(cmd.Root().ErrWriter, err)
			}
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout, stderr)
	if err := app.Run(ctx, args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		if isCLIUsageError(err) {
			fmt.Fprintf(stderr, "参数错误: %v\n", err)
			return 2
		}
		fmt.Fprintf(stderr, "错误: %v\n", err)
		return 1
	}
	return 0
}

// exitError 命令已完成输出，只需设置退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// cliUsageMarkers urfave/cli 与 flag 包产生的参数错误特征。
var cliUsageMarkers = []string{
	"flag provided but not defined",
	"invalid value",
	"flag needs an argument",
	"Required flag",
	"No help topic",
}

// isCLIUsageError 识别框架层面的参数错误（未知 flag、非法取值等）。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, m := range cliUsageMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
