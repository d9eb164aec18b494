package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// hourlyWindow 单个密钥的小时用量窗口
type hourlyWindow struct {
	Count   int
	ResetAt int64 // 窗口重置时刻（Unix秒）
}

// Limiter 准入控制器：服务商密钥小时配额 + 密钥/用户并发槽位
// 所有计数器为进程内缓存，并非权威数据；权威数据是jobs表中
// status=processing 的任务记录，漂移通过 Resync 修复。
// 全部操作经由同一把互斥锁串行化，检查+占用必须在持锁期间一次完成
// （TryAcquire），否则两个请求可能同时通过检查导致超限。
type Limiter struct {
	mu sync.Mutex

	hourlyUsage    map[string]*hourlyWindow
	keyConcurrent  map[string]int
	userConcurrent map[string]int

	// 可注入的时钟，便于测试
	now func() time.Time
}

// NewLimiter 创建准入控制器实例
func NewLimiter() *Limiter {
	return &Limiter{
		hourlyUsage:    make(map[string]*hourlyWindow),
		keyConcurrent:  make(map[string]int),
		userConcurrent: make(map[string]int),
		now:            time.Now,
	}
}

// UserSlotKey 组合用户并发槽位键，语音与图片槽位相互独立
func UserSlotKey(userID, category string) string {
	return userID + ":" + category
}

// CheckHourlyQuota 检查密钥小时配额
// 小时桶为 now - (now mod 3600)；窗口过期则清零并推进窗口。
// 只读（可能重置窗口），本身不占用配额。
func (l *Limiter) CheckHourlyQuota(keyID string, hourlyLimit int) (allowed bool, remaining int, resetIn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().Unix()
	hourStart := now - (now % 3600)
	resetAt := hourStart + 3600

	usage, ok := l.hourlyUsage[keyID]
	if !ok {
		usage = &hourlyWindow{Count: 0, ResetAt: resetAt}
		l.hourlyUsage[keyID] = usage
	}

	// 窗口已过期，清零
	if now >= usage.ResetAt {
		usage.Count = 0
		usage.ResetAt = resetAt
	}

	remaining = hourlyLimit - usage.Count
	if remaining < 0 {
		remaining = 0
	}
	resetIn = usage.ResetAt - now

	if usage.Count >= hourlyLimit {
		return false, remaining, resetIn
	}
	return true, remaining, resetIn
}

// IncrementHourlyUsage 小时用量+1
// 仅在实际向服务商派发了一次生成后调用，单纯的配额检查不计数
func (l *Limiter) IncrementHourlyUsage(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if usage, ok := l.hourlyUsage[keyID]; ok {
		usage.Count++
	}
}

// CheckConcurrency 检查密钥与用户并发槽位，两个条件须同时满足
func (l *Limiter) CheckConcurrency(keyID, userKey string, keyLimit, userLimit int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkConcurrencyLocked(keyID, userKey, keyLimit, userLimit)
}

func (l *Limiter) checkConcurrencyLocked(keyID, userKey string, keyLimit, userLimit int) (bool, string) {
	if l.keyConcurrent[keyID] >= keyLimit {
		return false, fmt.Sprintf("服务商密钥并发已达上限 (%d)", keyLimit)
	}
	if l.userConcurrent[userKey] >= userLimit {
		return false, fmt.Sprintf("用户并发已达上限 (%d)", userLimit)
	}
	return true, ""
}

// TryAcquire 在同一临界区内完成检查+占用，成功时两个计数各+1
func (l *Limiter) TryAcquire(keyID, userKey string, keyLimit, userLimit int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, reason := l.checkConcurrencyLocked(keyID, userKey, keyLimit, userLimit)
	if !ok {
		return false, reason
	}
	l.keyConcurrent[keyID]++
	l.userConcurrent[userKey]++
	return true, ""
}

// AcquireConcurrent 无条件占用并发槽位
// 调用方必须刚刚通过了同一临界区内的检查，否则应使用 TryAcquire
func (l *Limiter) AcquireConcurrent(keyID, userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.keyConcurrent[keyID]++
	l.userConcurrent[userKey]++
}

// ReleaseConcurrent 释放并发槽位，计数下限为0
// 对重复释放幂等（超时清扫与状态轮询可能同时关闭同一任务）
func (l *Limiter) ReleaseConcurrent(keyID, userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.keyConcurrent[keyID] > 0 {
		l.keyConcurrent[keyID]--
	}
	if l.keyConcurrent[keyID] == 0 {
		delete(l.keyConcurrent, keyID)
	}
	if l.userConcurrent[userKey] > 0 {
		l.userConcurrent[userKey]--
	}
	if l.userConcurrent[userKey] == 0 {
		delete(l.userConcurrent, userKey)
	}
}

// Resync 以持久化任务记录推导出的计数整体替换并发计数器
// 入参按 status=processing 的任务分组统计；可在不停流量的情况下调用
func (l *Limiter) Resync(keyCounts map[string]int, userCounts map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.keyConcurrent = make(map[string]int, len(keyCounts))
	for k, v := range keyCounts {
		if v > 0 {
			l.keyConcurrent[k] = v
		}
	}
	l.userConcurrent = make(map[string]int, len(userCounts))
	for k, v := range userCounts {
		if v > 0 {
			l.userConcurrent[k] = v
		}
	}
}

// Reset 清空全部计数器（含小时用量），管理端手工干预用
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hourlyUsage = make(map[string]*hourlyWindow)
	l.keyConcurrent = make(map[string]int)
	l.userConcurrent = make(map[string]int)
}

// Snapshot 导出当前计数器快照，管理端可视化用
type Snapshot struct {
	HourlyUsage    map[string]int `json:"hourly_usage"`
	KeyConcurrent  map[string]int `json:"key_concurrent"`
	UserConcurrent map[string]int `json:"user_concurrent"`
}

// Snapshot 获取计数器快照
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		HourlyUsage:    make(map[string]int, len(l.hourlyUsage)),
		KeyConcurrent:  make(map[string]int, len(l.keyConcurrent)),
		UserConcurrent: make(map[string]int, len(l.userConcurrent)),
	}
	for k, v := range l.hourlyUsage {
		snap.HourlyUsage[k] = v.Count
	}
	for k, v := range l.keyConcurrent {
		snap.KeyConcurrent[k] = v
	}
	for k, v := range l.userConcurrent {
		snap.UserConcurrent[k] = v
	}
	return snap
}
