package pool

import (
	"errors"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"
)

// ErrTaskPanicked 任务函数发生 panic 时 Wait 返回的错误
var ErrTaskPanicked = errors.New("task panicked")

// Task 一个异步执行单元的句柄
type Task struct {
	done chan struct{}
	err  error
}

// Go 在新的 goroutine 中运行 fn 并返回其句柄。
// fn 中的 panic 会被捕获并记录，任务仍视为已完成。
func Go(fn func() error) *Task {
	t := &Task{done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				logx.ErrorStack(p)
				t.err = fmt.Errorf("%w: %v", ErrTaskPanicked, p)
			}
		}()

		t.err = fn()
	}()

	return t
}

// Done 任务结束后关闭
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Finished 非阻塞地检查任务是否已结束
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait 阻塞直到任务结束，返回任务的错误
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
