//go:build unix

package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	apperrors "github.com/jmgilman/go/errors"
	"golang.org/x/sys/unix"

	"github.com/nuba-io/nuba/internal/cache"
	"github.com/nuba-io/nuba/internal/patch"
)

func TestRemoveRejectsNamedPipe(t *testing.T) {
	root := t.TempDir()
	if err := unix.Mkfifo(filepath.Join(root, "pipe"), 0o644); err != nil {
		t.Skipf("mkfifo not supported: %v", err)
	}
	fsys := osfs.New(root)
	svc := newTestService(t, fsys, cache.Options{})

	_, err := svc.Remove(context.Background(), "/pipe")
	assertCode(t, err, apperrors.CodeNotImplemented)

	var platformErr apperrors.PlatformError
	if !apperrors.As(err, &platformErr) {
		t.Fatalf("expected platform error, got %T", err)
	}
	if platformErr.Context()["path"] != "/pipe" {
		t.Fatalf("missing path context: %v", platformErr.Context())
	}
	if _, statErr := fsys.Lstat("/pipe"); statErr != nil {
		t.Fatalf("pipe should survive a rejected remove: %v", statErr)
	}
}

func TestWriteThroughSymlinkKeepsLink(t *testing.T) {
	fsys := newOSFS(t)
	writeFile(t, fsys, "/target.txt", "old")
	if err := fsys.Symlink("target.txt", "/link.txt"); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	svc := newTestService(t, fsys, cache.Options{})
	ctx := context.Background()

	if err := svc.Write(ctx, "/link.txt", patch.Make("old", "new")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := readDisk(t, fsys, "/target.txt"); got != "new" {
		t.Fatalf("link target should hold the new content, got %q", got)
	}
	info, err := fsys.Lstat("/link.txt")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("link.txt should still be a symlink, mode=%s", info.Mode())
	}
	if data, err := svc.Read(ctx, "/target.txt"); err != nil || string(data) != "new" {
		t.Fatalf("read through target: %q %v", data, err)
	}
}

func TestCloseForcesReopenFromDisk(t *testing.T) {
	fsys := newOSFS(t)
	writeFile(t, fsys, "/a.txt", "v1")
	svc := newTestService(t, fsys, cache.Options{})
	ctx := context.Background()

	if data, err := svc.Read(ctx, "/a.txt"); err != nil || string(data) != "v1" {
		t.Fatalf("first read: %q %v", data, err)
	}

	// 用 rename 替换目录项，已缓存的描述符仍指向旧 inode。
	if err := util.WriteFile(fsys, "/a.new", []byte("v2"), 0o644); err != nil {
		t.Fatalf("write replacement: %v", err)
	}
	if err := fsys.Rename("/a.new", "/a.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	data, err := svc.Read(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("read without close should use the cached handle, got %q", data)
	}

	if err := svc.Close(ctx, "/a.txt"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if svc.Cache().Contains("/a.txt") {
		t.Fatalf("close should evict the handle")
	}

	data, err = svc.Read(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("read after close: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("read after close should reopen from disk, got %q", data)
	}
	if !svc.Cache().Contains("/a.txt") {
		t.Fatalf("reopened handle should be cached again")
	}
}
