package cache

import (
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Handle 持有某个路径上已打开的文件描述符，读取前总会回到偏移 0。
type Handle struct {
	path     string
	file     billy.File
	openedAt time.Time
}

// Open 以只读方式打开 path，返回新的 Handle；文件不存在时返回底层错误。
func Open(fsys billy.Filesystem, path string) (*Handle, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return newHandle(path, f), nil
}

func newHandle(path string, f billy.File) *Handle {
	return &Handle{
		path:     path,
		file:     f,
		openedAt: time.Now().UTC(),
	}
}

// Path 返回 Handle 对应的缓存键（请求中的原始路径）。
func (h *Handle) Path() string {
	return h.path
}

// OpenedAt 返回描述符被打开的时间。
func (h *Handle) OpenedAt() time.Time {
	return h.openedAt
}

// ReadAll rewinds the descriptor and returns the full file content.
func (h *Handle) ReadAll() ([]byte, error) {
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(h.file)
}

// Close 释放底层描述符。
func (h *Handle) Close() error {
	return h.file.Close()
}
