package pool

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// DefaultCleanInterval Interval 未设置时使用的清理周期
const DefaultCleanInterval = 5 * time.Second

// Cleaner 定期清理注册表中已结束的任务，防止长时间运行时句柄无限增长
type Cleaner struct {
	Registry *Registry
	Interval time.Duration // 非正数时使用 DefaultCleanInterval

	// OnPrune 每次清理出任务后回调，可为空
	OnPrune func(removed, remaining int)
}

// Run 清理循环，ctx 取消后立即返回
func (c *Cleaner) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultCleanInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cleaner) cleanup() {
	removed := c.Registry.RemoveFinished()
	if removed == 0 {
		return
	}

	remaining := c.Registry.Len()
	logx.Debugf("清理已结束任务: 移除 %d 个, 剩余 %d 个", removed, remaining)
	if c.OnPrune != nil {
		c.OnPrune(removed, remaining)
	}
}
