package xpool

import "github.com/omeyang/xguard/pkg/observability/xlog"

// Option 配置 Pool。
type Option func(*options)

type options struct {
	logger       xlog.Logger
	name         string
	logTaskValue bool
}

func defaultOptions() options {
	return options{logger: xlog.Default()}
}

// WithLogger 设置 panic 日志使用的 logger，nil 忽略。
func WithLogger(logger xlog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName 设置池名称，出现在日志中。
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogTaskValue panic 日志记录完整任务值。默认只记录类型。
func WithLogTaskValue() Option {
	return func(o *options) {
		o.logTaskValue = true
	}
}
