// Package relay 提供有界、有序、单生产者/单消费者的消息通道
//
// Relay 的底层 channel 永不关闭，关闭状态由独立的 closed 信号表示，
// 因此任意一端在对端退出后调用 TrySend 都不会 panic，只会返回 ErrClosed。
package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrFull   = errors.New("relay is full")
	ErrClosed = errors.New("relay is closed")
	ErrEmpty  = errors.New("relay is empty")
)

type Option func(*config)

type config struct {
	wake chan<- struct{}
}

// WithWake 每次成功写入或关闭后向 wake 非阻塞地投递一个信号
func WithWake(wake chan<- struct{}) Option {
	return func(c *config) {
		c.wake = wake
	}
}

type Relay[T any] struct {
	ch        chan T
	closed    chan struct{}
	closeOnce sync.Once
	wake      chan<- struct{}
}

// New 创建容量为 capacity 的 Relay，capacity 小于 1 时按 1 处理
func New[T any](capacity int, opts ...Option) *Relay[T] {
	if capacity < 1 {
		capacity = 1
	}
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Relay[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
		wake:   cfg.wake,
	}
}

func (r *Relay[T]) notify() {
	if r.wake == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// TrySend 非阻塞写入，队列满返回 ErrFull，已关闭返回 ErrClosed
func (r *Relay[T]) TrySend(v T) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case r.ch <- v:
		r.notify()
		return nil
	default:
		return ErrFull
	}
}

// Send 阻塞写入，直到成功、Relay 关闭或 ctx 结束
func (r *Relay[T]) Send(ctx context.Context, v T) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case r.ch <- v:
		r.notify()
		return nil
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryRecv 非阻塞读取；关闭后仍会先读完已缓冲的消息，之后返回 ErrClosed
func (r *Relay[T]) TryRecv() (T, error) {
	var zero T
	select {
	case v := <-r.ch:
		return v, nil
	default:
	}
	select {
	case <-r.closed:
		// 关闭发生在最后一次写入之后，再检查一次缓冲区
		select {
		case v := <-r.ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	default:
		return zero, ErrEmpty
	}
}

// Recv 阻塞读取，直到有消息、Relay 关闭且已读空或 ctx 结束
func (r *Relay[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-r.ch:
		return v, nil
	case <-r.closed:
		return r.TryRecv()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close 关闭 Relay，可重复调用
func (r *Relay[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.notify()
	})
}

// Closed 返回关闭信号
func (r *Relay[T]) Closed() <-chan struct{} {
	return r.closed
}

func (r *Relay[T]) Len() int {
	return len(r.ch)
}

func (r *Relay[T]) Cap() int {
	return cap(r.ch)
}
