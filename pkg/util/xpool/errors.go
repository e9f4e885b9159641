package xpool

import "errors"

var (
	// ErrNilHandler handler 为 nil。
	ErrNilHandler = errors.New("xpool: nil handler")

	// ErrPoolStopped 池已关闭，拒绝提交。
	ErrPoolStopped = errors.New("xpool: pool stopped")

	// ErrQueueFull 队列已满，任务被拒绝。
	ErrQueueFull = errors.New("xpool: queue full")

	// ErrInvalidWorkers worker 数超出 [1, 65536]。
	ErrInvalidWorkers = errors.New("xpool: invalid worker count")

	// ErrInvalidQueueSize 队列长度超出 [1, 16777216]。
	ErrInvalidQueueSize = errors.New("xpool: invalid queue size")

	// ErrNilContext Shutdown 传入 nil context。
	ErrNilContext = errors.New("xpool: nil context")
)
