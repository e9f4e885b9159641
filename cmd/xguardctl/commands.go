package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xguard/internal/app"
	"github.com/omeyang/xguard/internal/config"
	"github.com/omeyang/xguard/pkg/config/xconf"
	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/storage/xcache"
)

// stampede 并发数上限。
const maxStampede = 10000

// 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createLoadCommand(),
		createPreheatCommand(),
		createInvalidateCommand(),
		createTTLCommand(),
		createStampedeCommand(),
		createServeCommand(),
	}
}

// runtimeEnv 单次命令的运行环境。
type runtimeEnv struct {
	cfg      config.Config
	src      xconf.Config
	logger   xlog.LoggerWithLevel
	closeLog func() error
	app      *app.App
}

// openEnv 加载配置、应用全局 flag 覆盖，并装配 App。
func openEnv(ctx context.Context, cmd *cli.Command) (*runtimeEnv, error) {
	cfg, src, err := config.Load(cmd.String("config"))
	if err != nil && !errors.Is(err, config.ErrInvalidConfig) {
		return nil, err
	}
	if addrs := cmd.StringSlice("redis"); len(addrs) > 0 {
		cfg.Redis.Addrs = addrs
	}
	if b := cmd.String("lock-backend"); b != "" {
		cfg.Lock.Backend = b
	}
	if lv := cmd.String("log-level"); lv != "" {
		cfg.Log.Level = lv
	}
	// 覆盖后重新校验，配置错误视为参数错误
	if err := cfg.Validate(); err != nil {
		return nil, &usageError{msg: err.Error()}
	}

	logger, closeLog, err := app.NewLogger(cfg.Log, cmd.Root().ErrWriter)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return nil, errors.Join(err, closeLog())
	}
	return &runtimeEnv{cfg: cfg, src: src, logger: logger, closeLog: closeLog, app: a}, nil
}

func (e *runtimeEnv) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(e.app.Close(ctx), e.closeLog())
}

// withEnv 在超时内执行单次命令。
func withEnv(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, env *runtimeEnv) error) (err error) {
	if timeout := cmd.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	env, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, env.close()) }()
	return fn(ctx, env)
}

// requireArgs 校验位置参数个数。
func requireArgs(cmd *cli.Command, names ...string) ([]string, error) {
	args := cmd.Args().Slice()
	if len(args) != len(names) {
		return nil, usagef("%s 需要参数 <%s>", cmd.Name, strings.Join(names, "> <"))
	}
	for i, a := range args {
		if strings.TrimSpace(a) == "" {
			return nil, usagef("%s 参数 <%s> 不能为空", cmd.Name, names[i])
		}
	}
	return args, nil
}

// sourceFlags load 与 stampede 共用的回源参数。
func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "value", Usage: "回源返回的固定值"},
		&cli.StringFlag{Name: "source", Usage: "回源读取的 Redis key"},
		&cli.DurationFlag{Name: "delay", Usage: "模拟慢数据源的延迟"},
	}
}

// loadFunc 按 --value/--source 构造回源函数，每次调用计数。
func loadFunc(cmd *cli.Command, env *runtimeEnv, calls *atomic.Int64) (xcache.LoadFunc, error) {
	value, source := cmd.String("value"), cmd.String("source")
	if (value == "") == (source == "") {
		return nil, usagef("--value 与 --source 必须且只能指定一个")
	}
	fn := app.StaticLoader(value)
	if source != "" {
		fn = env.app.SourceLoader(source)
	}
	delay := cmd.Duration("delay")
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		return fn(ctx)
	}, nil
}

func createLoadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "按策略读取，未命中时回源",
		ArgsUsage: "<key>",
		Flags: append(sourceFlags(),
			&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Usage: "mutex|jitter|refresh|multi，默认取配置"},
			&cli.DurationFlag{Name: "ttl", Usage: "缓存 TTL（refresh 策略为刷新间隔），默认取配置"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "key")
			if err != nil {
				return err
			}
			strategy, err := parseStrategyFlag(cmd)
			if err != nil {
				return err
			}
			return withEnv(ctx, cmd, func(ctx context.Context, env *runtimeEnv) error {
				var calls atomic.Int64
				fn, err := loadFunc(cmd, env, &calls)
				if err != nil {
					return err
				}
				if strategy == nil {
					s := env.app.Strategy()
					strategy = &s
				}
				v, err := env.app.Load(ctx, args[0], fn, *strategy, cmd.Duration("ttl"))
				if err != nil {
					return err
				}
				if v == nil {
					fmt.Fprintln(cmd.Root().ErrWriter, "数据源没有该值")
					return &exitError{code: 1}
				}
				fmt.Fprintln(cmd.Root().Writer, string(v))
				return nil
			})
		},
	}
}

// parseStrategyFlag 未指定时返回 nil。
func parseStrategyFlag(cmd *cli.Command) (*xcache.Strategy, error) {
	name := cmd.String("strategy")
	if name == "" {
		return nil, nil
	}
	s, err := xcache.ParseStrategy(name)
	if err != nil {
		return nil, usagef("%v", err)
	}
	return &s, nil
}

func createPreheatCommand() *cli.Command {
	return &cli.Command{
		Name:      "preheat",
		Usage:     "直接写入缓存",
		ArgsUsage: "<key> <value>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "ttl", Usage: "TTL 基准（写入时加抖动），默认取配置"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "key", "value")
			if err != nil {
				return err
			}
			return withEnv(ctx, cmd, func(ctx context.Context, env *runtimeEnv) error {
				ttl := cmd.Duration("ttl")
				if ttl <= 0 {
					ttl = env.cfg.Cache.TTL
				}
				if err := env.app.Loader().Preheat(ctx, args[0], []byte(args[1]), ttl); err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().Writer, "preheated %s\n", args[0])
				return nil
			})
		},
	}
}

func createInvalidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "invalidate",
		Usage:     "删除缓存并广播本地层失效",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "key")
			if err != nil {
				return err
			}
			return withEnv(ctx, cmd, func(ctx context.Context, env *runtimeEnv) error {
				if err := env.app.Loader().Invalidate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.Root().Writer, "invalidated %s\n", args[0])
				return nil
			})
		},
	}
}

func createTTLCommand() *cli.Command {
	return &cli.Command{
		Name:      "ttl",
		Usage:     "查看剩余存活时间",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "key")
			if err != nil {
				return err
			}
			return withEnv(ctx, cmd, func(ctx context.Context, env *runtimeEnv) error {
				ttl, err := env.app.Store().TTL(ctx, args[0])
				switch {
				case errors.Is(err, xcache.ErrNotFound):
					fmt.Fprintf(cmd.Root().ErrWriter, "%s 不存在\n", args[0])
					return &exitError{code: 1}
				case err != nil:
					return err
				case ttl == xcache.NoExpiry:
					fmt.Fprintln(cmd.Root().Writer, "no expiry")
				default:
					fmt.Fprintln(cmd.Root().Writer, ttl.Round(time.Millisecond))
				}
				return nil
			})
		},
	}
}

func createStampedeCommand() *cli.Command {
	return &cli.Command{
		Name:      "stampede",
		Usage:     "并发互斥读取同一 key，统计回源次数",
		ArgsUsage: "<key>",
		Flags: append(sourceFlags(),
			&cli.IntFlag{Name: "n", Usage: "并发数", Value: 100},
			&cli.DurationFlag{Name: "ttl", Usage: "缓存 TTL，默认取配置"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := requireArgs(cmd, "key")
			if err != nil {
				return err
			}
			n := cmd.Int("n")
			if n <= 0 || n > maxStampede {
				return usagef("--n 取值范围 1..%d", maxStampede)
			}
			return withEnv(ctx, cmd, func(ctx context.Context, env *runtimeEnv) error {
				var calls atomic.Int64
				fn, err := loadFunc(cmd, env, &calls)
				if err != nil {
					return err
				}
				return stampede(ctx, cmd, env, args[0], int(n), fn, &calls)
			})
		},
	}
}

func stampede(ctx context.Context, cmd *cli.Command, env *runtimeEnv, key string, n int, fn xcache.LoadFunc, calls *atomic.Int64) error {
	var (
		wg     sync.WaitGroup
		failed atomic.Int64
		mu     sync.Mutex
		first  error
	)
	start := time.Now()
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.app.Load(ctx, key, fn, xcache.StrategyMutex, cmd.Duration("ttl")); err != nil {
				failed.Add(1)
				mu.Lock()
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stats := env.app.Loader().Stats()
	out := cmd.Root().Writer
	fmt.Fprintf(out, "requests:     %d\n", n)
	fmt.Fprintf(out, "loader calls: %d\n", calls.Load())
	fmt.Fprintf(out, "failures:     %d\n", failed.Load())
	fmt.Fprintf(out, "lock waits:   %d\n", stats.LockWaits)
	fmt.Fprintf(out, "elapsed:      %s\n", time.Since(start).Round(time.Millisecond))
	if first != nil {
		return fmt.Errorf("%d of %d loads failed: %w", failed.Load(), n, first)
	}
	return nil
}

func createServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "运行预热调度、失效订阅、配置热加载与 /metrics，收到 SIGINT/SIGTERM 退出",
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			env, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, env.close()) }()

			services, err := serveServices(env)
			if err != nil {
				return err
			}
			env.logger.Info(ctx, "xguard serving", xlog.Count(int64(len(services))))
			err = xrun.Run(ctx, services, xrun.WithName("xguardctl"), xrun.WithLogger(env.logger))
			if errors.Is(err, xrun.ErrSignal) {
				return nil
			}
			return err
		},
	}
}

// serveServices 按配置组装 serve 需要运行的服务。
func serveServices(env *runtimeEnv) (map[string]func(ctx context.Context) error, error) {
	a := env.app
	services := make(map[string]func(ctx context.Context) error)

	p, err := a.NewPreheater()
	if err != nil {
		return nil, err
	}
	services["preheat"] = a.PreheatService(p)

	if env.cfg.Cache.InvalidationChannel != "" && a.LocalTier() != nil {
		services["invalidation"] = a.InvalidationService()
	}
	if env.src != nil {
		watch, err := a.ConfigWatchService(env.src, env.logger)
		if err != nil {
			return nil, errors.Join(err, p.Stop(context.Background()))
		}
		services["config-watch"] = watch
	}
	if env.cfg.Metrics.Addr != "" {
		reg, err := a.NewRegistry()
		if err != nil {
			return nil, errors.Join(err, p.Stop(context.Background()))
		}
		services["metrics"] = xrun.HTTPServer(a.MetricsServer(reg), 5*time.Second)
	}
	return services, nil
}
