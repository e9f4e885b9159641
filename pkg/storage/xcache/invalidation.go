package xcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// publishInvalidation 广播失效消息，未配置频道时不做任何事。
func (l *loader) publishInvalidation(ctx context.Context, key string) error {
	client := l.opts.InvalidationClient
	if client == nil {
		return nil
	}
	if err := client.Publish(ctx, l.opts.InvalidationChannel, key).Err(); err != nil {
		return fmt.Errorf("xcache: publish invalidation for %q: %w", key, err)
	}
	return nil
}

func (l *loader) SubscribeInvalidations(ctx context.Context) error {
	client := l.opts.InvalidationClient
	if client == nil {
		return fmt.Errorf("%w: invalidation channel not configured", ErrInvalidConfig)
	}
	tier := l.opts.LocalTier
	if tier == nil {
		return ErrNoLocalTier
	}

	sub := client.Subscribe(ctx, l.opts.InvalidationChannel)
	defer func() { _ = sub.Close() }()

	// 等待订阅确认，连接失败在此返回
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("xcache: subscribe %q: %w", l.opts.InvalidationChannel, err)
	}
	l.logger.Info(ctx, "xcache: invalidation subscriber started",
		slog.String("channel", l.opts.InvalidationChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			tier.Delete(msg.Payload)
			l.stats.invalidationsReceived.Add(1)
			l.logger.Debug(ctx, "xcache: local copy invalidated", xlog.Key(msg.Payload))
		}
	}
}
