package files

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"

	"github.com/nuba-io/nuba/internal/cache"
	"github.com/nuba-io/nuba/internal/patch"
)

// EntryKind 区分 Remove 删除的对象类型。
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

const defaultDirPerm = 0o755

// Options 描述 Service 的依赖，全部由调用方显式注入。
type Options struct {
	FS      billy.Filesystem
	Cache   *cache.Cache
	Patcher patch.Applier
	Logger  *logrus.Logger
}

// Service 在打开文件缓存之上实现全部文件操作。
type Service struct {
	fs      billy.Filesystem
	cache   *cache.Cache
	patcher patch.Applier
	logger  *logrus.Logger
}

// NewService 校验依赖并构造 Service；Patcher 为空时使用 diff-match-patch 实现。
func NewService(opts Options) (*Service, error) {
	if opts.FS == nil {
		return nil, errors.New("files: filesystem is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("files: cache is required")
	}
	patcher := opts.Patcher
	if patcher == nil {
		patcher = patch.NewApplier()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Service{
		fs:      opts.FS,
		cache:   opts.Cache,
		patcher: patcher,
		logger:  logger,
	}, nil
}

// Cache 返回 Service 使用的缓存实例。
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// CreateFile 创建空文件，已存在时截断；不会创建缓存条目。
func (s *Service) CreateFile(ctx context.Context, path string) error {
	return s.do(ctx, "create_file", path, func(tx *cache.Tx) error {
		f, err := s.fs.Create(path)
		if err != nil {
			return s.resourceError("create_file", path, err)
		}
		if err := f.Close(); err != nil {
			return s.resourceError("create_file", path, err)
		}
		return nil
	})
}

// CreateDir 递归创建目录，已存在时视为成功。
func (s *Service) CreateDir(ctx context.Context, path string) error {
	return s.do(ctx, "create_dir", path, func(tx *cache.Tx) error {
		if err := s.fs.MkdirAll(path, defaultDirPerm); err != nil {
			return s.resourceError("create_dir", path, err)
		}
		return nil
	})
}

// Read 返回文件完整内容。未缓存时打开新的 Handle 并在读取成功后写入缓存；
// 任一步骤失败时缓存保持不变。
func (s *Service) Read(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := s.do(ctx, "read", path, func(tx *cache.Tx) error {
		if h, ok := tx.Get(); ok {
			data, err := h.ReadAll()
			if err != nil {
				s.evictBroken(tx, err)
				return s.resourceError("read", path, err)
			}
			content = data
			return nil
		}

		h, err := cache.Open(s.fs, path)
		if err != nil {
			return s.resourceError("open", path, err)
		}
		data, err := h.ReadAll()
		if err != nil {
			_ = h.Close()
			return s.resourceError("read", path, err)
		}
		if err := tx.Insert(h); err != nil {
			return lockError("read", path, err)
		}
		content = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Write 读取当前内容、应用请求体中的补丁并就地重写目标文件，
// 随后以新描述符替换缓存条目。补丁无效或应用失败时文件与缓存均不变。
func (s *Service) Write(ctx context.Context, path string, body []byte) error {
	return s.do(ctx, "write", path, func(tx *cache.Tx) error {
		current, err := s.currentContent(tx)
		if err != nil {
			return s.resourceError("read", path, err)
		}

		patched, err := s.applyPatch(current, body)
		if err != nil {
			return patchError(path, err)
		}

		h, err := cache.WriteFile(s.fs, path, patched)
		if err != nil {
			return s.resourceError("write", path, err)
		}
		if err := tx.Insert(h); err != nil {
			return lockError("write", path, err)
		}
		return nil
	})
}

// Remove 先淘汰缓存的 Handle，再按类型删除文件或整个目录树。
func (s *Service) Remove(ctx context.Context, path string) (EntryKind, error) {
	var kind EntryKind
	err := s.do(ctx, "remove", path, func(tx *cache.Tx) error {
		if _, err := tx.Remove(); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "handle_close",
				"path":   path,
			}).Warn("close cached handle before remove failed")
		}

		info, err := s.fs.Stat(path)
		if err != nil {
			return s.resourceError("remove", path, err)
		}

		switch {
		case info.IsDir():
			if err := util.RemoveAll(s.fs, path); err != nil {
				return s.resourceError("remove", path, err)
			}
			tx.EvictDescendants()
			kind = KindDirectory
		case info.Mode().IsRegular():
			if err := s.fs.Remove(path); err != nil {
				return s.resourceError("remove", path, err)
			}
			kind = KindFile
		default:
			return unsupportedTypeError(path, info.Mode())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return kind, nil
}

// Close 淘汰并关闭缓存的 Handle；路径未被打开时返回 not found。
func (s *Service) Close(ctx context.Context, path string) error {
	return s.do(ctx, "close", path, func(tx *cache.Tx) error {
		removed, err := tx.Remove()
		if !removed {
			return notOpenError(path)
		}
		if err != nil {
			return s.resourceError("close", path, err)
		}
		return nil
	})
}

func (s *Service) do(ctx context.Context, op, path string, fn func(tx *cache.Tx) error) error {
	if err := s.cache.Do(ctx, path, fn); err != nil {
		return lockError(op, path, err)
	}
	return nil
}

func (s *Service) currentContent(tx *cache.Tx) ([]byte, error) {
	if h, ok := tx.Get(); ok {
		data, err := h.ReadAll()
		if err != nil {
			s.evictBroken(tx, err)
			return nil, err
		}
		return data, nil
	}
	return util.ReadFile(s.fs, tx.Path())
}

// applyPatch 保证第三方 Applier 的 panic 也只会变成补丁错误。
func (s *Service) applyPatch(original, body []byte) (patched []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			patched = nil
			err = fmt.Errorf("%w: %v", patch.ErrInvalidPatch, r)
		}
	}()
	return s.patcher.Apply(original, body)
}

// evictBroken 丢弃读取失败的 Handle，避免后续请求继续命中损坏的描述符。
func (s *Service) evictBroken(tx *cache.Tx, cause error) {
	if _, err := tx.Remove(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "handle_close",
			"path":   tx.Path(),
			"cause":  cause.Error(),
		}).Warn("close broken handle failed")
	}
}
