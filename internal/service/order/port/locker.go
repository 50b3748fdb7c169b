package port

import "context"

// Locker 提供按 key 的互斥锁, 用于串行化同一订单的状态流转。
type Locker interface {
	// Lock 阻塞直到拿到 key 的锁或 ctx 结束, 返回的 unlock 必须被调用
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
