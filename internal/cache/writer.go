package cache

import (
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
)

// WriteFile 以截断方式就地打开已存在的 path 并写入 data，返回指向该描述符的 Handle。
// 写入穿过符号链接并保留 inode，硬链接、属主和权限位不变；目标不存在时返回底层错误。
// 调用方需持有 path 的锁，写入失败时文件可能只剩部分内容。
func WriteFile(fsys billy.Filesystem, path string, data []byte) (*Handle, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_TRUNC, 0)
	if err != nil {
		return nil, err
	}
	if err := writeAll(f, data); err != nil {
		_ = f.Close()
		return nil, err
	}
	return newHandle(path, f), nil
}

func writeAll(f billy.File, data []byte) error {
	n, err := f.Write(data)
	if err != nil {
		return err
	}
	if n < len(data) {
		return io.ErrShortWrite
	}
	return nil
}
