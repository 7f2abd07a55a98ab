package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed 表示缓存已在关停流程中释放，不再接受新的访问。
	ErrClosed = errors.New("open file cache closed")
	// ErrPathMismatch 表示尝试把其他路径的 Handle 写入当前事务。
	ErrPathMismatch = errors.New("handle path does not match transaction path")
)

// Options 控制缓存的加锁粒度与容量。
type Options struct {
	LockMode LockMode
	// MaxOpenFiles 为 0 时不限制数量，仅在 Close/Remove 时显式淘汰。
	MaxOpenFiles int
	Logger       *logrus.Logger
}

// Cache 维护 path → Handle 的映射，保证任意时刻每个 path 至多一个 Handle。
// 由调用方显式创建并在各连接间共享引用。
type Cache struct {
	mode   LockMode
	max    int
	locker locker
	logger *logrus.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[string, *Handle]
	closed  bool
}

// Snapshot 描述缓存当前状态，供诊断接口输出。
type Snapshot struct {
	LockMode     LockMode
	MaxOpenFiles int
	// Paths 按最近使用时间从旧到新排列。
	Paths []string
	// Handles 与 Paths 一一对应。
	Handles []HandleInfo
}

// HandleInfo 描述单个缓存条目。
type HandleInfo struct {
	Path     string
	OpenedAt time.Time
}

// New 根据 Options 构建缓存实例，整个进程复用一份。
func New(opts Options) (*Cache, error) {
	mode := opts.LockMode
	if mode == "" {
		mode = LockGlobal
	}
	if _, err := ParseLockMode(string(mode)); err != nil {
		return nil, err
	}
	if opts.MaxOpenFiles < 0 {
		return nil, fmt.Errorf("invalid max open files: %d", opts.MaxOpenFiles)
	}

	// 容量由 Insert 自行控制，这样才能拿到被淘汰的 Handle 并延后关闭。
	entries, err := simplelru.NewLRU[string, *Handle](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Cache{
		mode:    mode,
		max:     opts.MaxOpenFiles,
		locker:  newLocker(mode),
		logger:  logger,
		entries: entries,
	}, nil
}

// Do 获取 path 对应的锁并执行 fn，锁在 fn 的整个执行期间（包括文件 I/O）保持。
// 等待锁的过程可以被 ctx 取消；拿到锁之后不再响应取消。
func (c *Cache) Do(ctx context.Context, path string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	unlock, err := c.locker.lock(ctx, path)
	if err != nil {
		return err
	}

	tx := &Tx{cache: c, path: path}
	defer func() { c.closeRetired(tx.retired) }()
	defer unlock()

	return fn(tx)
}

// Len 返回当前缓存的 Handle 数量。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Contains 报告 path 当前是否有缓存的 Handle，不影响最近使用顺序。
func (c *Cache) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(path)
}

// Snapshot 返回缓存状态的只读副本。
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := c.entries.Keys()
	handles := make([]HandleInfo, 0, len(paths))
	for _, p := range paths {
		if h, ok := c.entries.Peek(p); ok {
			handles = append(handles, HandleInfo{Path: p, OpenedAt: h.OpenedAt()})
		}
	}
	return Snapshot{
		LockMode:     c.mode,
		MaxOpenFiles: c.max,
		Paths:        paths,
		Handles:      handles,
	}
}

// Close 关闭所有缓存的 Handle，之后的 Do 调用返回 ErrClosed。
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := c.entries.Values()
	c.entries.Purge()
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := c.closeLocked(h); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Path(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// closeRetired 关闭被容量淘汰或随目录删除的 Handle。调用时不持有任何路径锁，
// 逐个获取被淘汰路径自己的锁后再关闭，避免关闭其他请求正在使用的描述符。
func (c *Cache) closeRetired(retired []*Handle) {
	for _, h := range retired {
		if err := c.closeLocked(h); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "handle_retire",
				"path":   h.Path(),
			}).Warn("close retired handle failed")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"action": "handle_retire",
			"path":   h.Path(),
		}).Debug("handle retired")
	}
}

func (c *Cache) closeLocked(h *Handle) error {
	unlock, err := c.locker.lock(context.Background(), h.Path())
	if err != nil {
		return err
	}
	defer unlock()
	return h.Close()
}

// Tx 是 Do 回调中对单个路径的访问入口，只能读写该路径自身的缓存条目。
type Tx struct {
	cache   *Cache
	path    string
	retired []*Handle
}

// Path 返回事务对应的路径。
func (tx *Tx) Path() string {
	return tx.path
}

// Get 返回该路径缓存的 Handle，并将其标记为最近使用。
func (tx *Tx) Get() (*Handle, bool) {
	c := tx.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(tx.path)
}

// Insert 写入或替换该路径的 Handle，被替换的旧 Handle 会立即关闭。
// 超出 MaxOpenFiles 时淘汰最久未使用的条目，待锁释放后关闭。
func (tx *Tx) Insert(h *Handle) error {
	if h == nil || h.Path() != tx.path {
		return ErrPathMismatch
	}

	c := tx.cache
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	old, replaced := c.entries.Peek(tx.path)
	c.entries.Add(tx.path, h)
	for c.max > 0 && c.entries.Len() > c.max {
		_, victim, ok := c.entries.RemoveOldest()
		if !ok {
			break
		}
		tx.retired = append(tx.retired, victim)
	}
	c.mu.Unlock()

	if replaced && old != h {
		return old.Close()
	}
	return nil
}

// Remove 淘汰该路径的 Handle 并关闭描述符；不存在时返回 false。
func (tx *Tx) Remove() (bool, error) {
	c := tx.cache
	c.mu.Lock()
	h, ok := c.entries.Peek(tx.path)
	if ok {
		c.entries.Remove(tx.path)
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, h.Close()
}

// EvictDescendants 淘汰所有以 "<path>/" 为前缀的条目，用于目录被删除之后。
// 这些 Handle 在当前锁释放后关闭。
func (tx *Tx) EvictDescendants() int {
	prefix := strings.TrimSuffix(tx.path, "/") + "/"

	c := tx.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, key := range c.entries.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if h, ok := c.entries.Peek(key); ok {
			c.entries.Remove(key)
			tx.retired = append(tx.retired, h)
			evicted++
		}
	}
	return evicted
}
