package pool

import (
	"sync"

	"github.com/zeromicro/go-zero/core/threading"
)

// RegistryOption 注册表配置项
type RegistryOption func(r *Registry)

// WithSizeObserver 每次注册表变化后回调当前任务数。
// 回调在锁内执行，不能再调用注册表的方法。
func WithSizeObserver(fn func(size int)) RegistryOption {
	return func(r *Registry) {
		r.observe = fn
	}
}

// Registry 记录所有运行中的任务句柄。
// 句柄只在确认已结束（RemoveFinished）或被等待结束（JoinAll）后移除。
type Registry struct {
	mu      sync.Mutex
	tasks   []*Task
	observe func(size int)
}

// NewRegistry 创建任务注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add 追加一个任务句柄
func (r *Registry) Add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = append(r.tasks, t)
	r.notify()
}

// RemoveFinished 移除已结束的任务，返回移除数量。仍在运行的任务保留。
func (r *Registry) RemoveFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.tasks[:0]
	for _, t := range r.tasks {
		if !t.Finished() {
			kept = append(kept, t)
		}
	}
	removed := len(r.tasks) - len(kept)
	// 清掉尾部引用，避免已结束的任务无法被回收
	for i := len(kept); i < len(r.tasks); i++ {
		r.tasks[i] = nil
	}
	r.tasks = kept

	if removed > 0 {
		r.notify()
	}
	return removed
}

// JoinAll 取出全部任务并并发等待它们结束，返回等待的任务数。
// 只在停止接收新连接后调用。
func (r *Registry) JoinAll() int {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.notify()
	r.mu.Unlock()

	group := threading.NewRoutineGroup()
	for _, t := range tasks {
		t := t
		group.Run(func() {
			<-t.Done()
		})
	}
	group.Wait()

	return len(tasks)
}

// Len 当前任务数，仅用于观测
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// notify 需持有锁
func (r *Registry) notify() {
	if r.observe != nil {
		r.observe(len(r.tasks))
	}
}
