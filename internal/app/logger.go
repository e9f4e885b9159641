package app

import (
	"io"
	"log/slog"

	"github.com/omeyang/xguard/internal/config"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// NewLogger 按日志配置创建 Logger。out 仅在未配置文件时使用，nil 表示 stderr。
// 返回的 cleanup 关闭轮转文件。
func NewLogger(c config.Log, out io.Writer) (xlog.LoggerWithLevel, func() error, error) {
	b := xlog.New().
		SetLevelString(c.Level).
		SetFormat(c.Format).
		SetAddSource(c.AddSource).
		SetAttrs(slog.String(xlog.KeyComponent, "xguard"))
	switch {
	case c.File != "":
		b.SetRotation(c.File, c.Rotation)
	case out != nil:
		b.SetOutput(out)
	}
	return b.Build()
}
