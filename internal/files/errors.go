package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	apperrors "github.com/jmgilman/go/errors"

	"github.com/nuba-io/nuba/internal/cache"
)

// ErrNotOpen 表示 Close 的目标路径没有缓存的 Handle。
var ErrNotOpen = errors.New("not found")

// resourceError 包装底层文件系统错误，消息保持原生文本，
// 但其中的宿主机路径会换回根目录下的请求路径。
func (s *Service) resourceError(op, path string, err error) error {
	code := apperrors.CodeExecutionFailed
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = apperrors.CodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = apperrors.CodeForbidden
	case errors.Is(err, fs.ErrExist):
		code = apperrors.CodeAlreadyExists
	}
	return withPath(apperrors.Wrap(err, code, publicMessage(s.fs.Root(), err)), op, path)
}

// publicMessage 把 *fs.PathError 中 root 之下的绝对路径还原为以 / 开头的相对路径。
func publicMessage(root string, err error) string {
	var pathErr *fs.PathError
	if root == "" || !errors.As(err, &pathErr) || !strings.HasPrefix(pathErr.Path, root) {
		return err.Error()
	}
	rel := "/" + strings.TrimLeft(strings.TrimPrefix(pathErr.Path, root), "/")
	return fmt.Sprintf("%s %s: %v", pathErr.Op, rel, pathErr.Err)
}

// patchError 将补丁解析/应用失败转换为客户端错误。
func patchError(path string, err error) error {
	return withPath(apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error()), "patch", path)
}

func unsupportedTypeError(path string, mode fs.FileMode) error {
	err := apperrors.Newf(apperrors.CodeNotImplemented, "unsupported file type: %s", path)
	return apperrors.WithContext(withPath(err, "remove", path), "mode", mode.Type().String())
}

func notOpenError(path string) error {
	return withPath(apperrors.Wrap(ErrNotOpen, apperrors.CodeNotFound, ErrNotOpen.Error()), "close", path)
}

// lockError 处理 Cache.Do 自身返回的错误（等待锁时取消、缓存已关闭）。
// 回调内部产生的错误已是结构化错误，原样返回。
func lockError(op, path string, err error) error {
	var platformErr apperrors.PlatformError
	if errors.As(err, &platformErr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("request cancelled while waiting for %s", path)
		return withPath(apperrors.Wrap(err, apperrors.CodeTimeout, msg), op, path)
	case errors.Is(err, cache.ErrClosed):
		return withPath(apperrors.Wrap(err, apperrors.CodeUnavailable, "service is shutting down"), op, path)
	default:
		return withPath(apperrors.Wrap(err, apperrors.CodeInternal, err.Error()), op, path)
	}
}

func withPath(err error, op, path string) error {
	return apperrors.WithContextMap(err, map[string]interface{}{
		"op":   op,
		"path": path,
	})
}
