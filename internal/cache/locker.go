package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockMode 决定缓存访问的加锁粒度。
type LockMode string

const (
	// LockGlobal 使用单个进程级锁串行化所有缓存访问，不同路径之间也会排队。
	LockGlobal LockMode = "global"
	// LockPerPath 为每个路径维护独立的锁，不同路径可以并发执行。
	LockPerPath LockMode = "path"
)

// ParseLockMode 将配置值标准化为 LockMode，空值回退为 LockGlobal。
func ParseLockMode(raw string) (LockMode, error) {
	switch mode := LockMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return LockGlobal, nil
	case LockGlobal, LockPerPath:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported lock mode: %s", raw)
	}
}

// locker 在 ctx 允许的时间内获取 path 对应的锁，返回的函数用于释放。
type locker interface {
	lock(ctx context.Context, path string) (func(), error)
}

func newLocker(mode LockMode) locker {
	if mode == LockPerPath {
		return &pathLocker{locks: make(map[string]*entryLock)}
	}
	return &globalLocker{sem: semaphore.NewWeighted(1)}
}

type globalLocker struct {
	sem *semaphore.Weighted
}

func (l *globalLocker) lock(ctx context.Context, _ string) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// pathLocker 通过引用计数维护按路径划分的锁，无人等待时回收条目。
type pathLocker struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (l *pathLocker) lock(ctx context.Context, path string) (func(), error) {
	l.mu.Lock()
	entry := l.locks[path]
	if entry == nil {
		entry = &entryLock{sem: semaphore.NewWeighted(1)}
		l.locks[path] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.release(path, entry)
		return nil, err
	}
	return func() {
		entry.sem.Release(1)
		l.release(path, entry)
	}, nil
}

func (l *pathLocker) release(path string, entry *entryLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, path)
	}
	l.mu.Unlock()
}

func (l *pathLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
