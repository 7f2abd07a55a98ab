package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

func TestCacheInsertGetRemove(t *testing.T) {
	fsys := newTestFS(t)
	writeTestFile(t, fsys, "/a.txt", "alpha")
	c := newTestCache(t, Options{})

	err := c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		if _, ok := tx.Get(); ok {
			t.Fatalf("empty cache should miss")
		}
		h, err := Open(fsys, tx.Path())
		if err != nil {
			return err
		}
		return tx.Insert(h)
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if c.Len() != 1 || !c.Contains("/a.txt") {
		t.Fatalf("expected one cached handle, got %v", c.Snapshot().Paths)
	}

	err = c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		h, ok := tx.Get()
		if !ok {
			t.Fatalf("expected cache hit")
		}
		for i := 0; i < 2; i++ {
			data, err := h.ReadAll()
			if err != nil {
				return err
			}
			if string(data) != "alpha" {
				t.Fatalf("read %d returned %q", i, data)
			}
		}
		removed, err := tx.Remove()
		if !removed {
			t.Fatalf("remove should report the cached entry")
		}
		return err
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("cache should be empty after remove")
	}

	_ = c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		if removed, _ := tx.Remove(); removed {
			t.Fatalf("second remove should report missing entry")
		}
		return nil
	})
}

func TestInsertReplacesAndClosesOldHandle(t *testing.T) {
	fsys := newTestFS(t)
	writeTestFile(t, fsys, "/a.txt", "v1")
	c := newTestCache(t, Options{})

	var first *Handle
	err := c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		h, err := Open(fsys, tx.Path())
		if err != nil {
			return err
		}
		first = h
		if err := tx.Insert(h); err != nil {
			return err
		}
		second, err := WriteFile(fsys, tx.Path(), []byte("v2"))
		if err != nil {
			return err
		}
		return tx.Insert(second)
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", c.Len())
	}
	if _, err := first.ReadAll(); err == nil {
		t.Fatalf("replaced handle should be closed")
	}
}

func TestInsertRejectsForeignHandle(t *testing.T) {
	fsys := newTestFS(t)
	writeTestFile(t, fsys, "/b.txt", "b")
	c := newTestCache(t, Options{})

	err := c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		h, err := Open(fsys, "/b.txt")
		if err != nil {
			return err
		}
		defer h.Close()
		return tx.Insert(h)
	})
	if !errors.Is(err, ErrPathMismatch) {
		t.Fatalf("expected ErrPathMismatch, got %v", err)
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	fsys := newTestFS(t)
	for _, name := range []string{"/a", "/b", "/c"} {
		writeTestFile(t, fsys, name, name)
	}
	c := newTestCache(t, Options{MaxOpenFiles: 2})

	handles := map[string]*Handle{}
	open := func(path string) {
		t.Helper()
		err := c.Do(context.Background(), path, func(tx *Tx) error {
			if h, ok := tx.Get(); ok {
				handles[path] = h
				return nil
			}
			h, err := Open(fsys, path)
			if err != nil {
				return err
			}
			handles[path] = h
			return tx.Insert(h)
		})
		if err != nil {
			t.Fatalf("open %s failed: %v", path, err)
		}
	}

	open("/a")
	open("/b")
	open("/a")
	open("/c")

	paths := c.Snapshot().Paths
	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/c" {
		t.Fatalf("expected [/a /c], got %v", paths)
	}
	infos := c.Snapshot().Handles
	if len(infos) != 2 || infos[0].Path != "/a" || infos[1].Path != "/c" {
		t.Fatalf("handle infos should follow path order, got %v", infos)
	}
	if !infos[0].OpenedAt.Equal(handles["/a"].OpenedAt()) || infos[1].OpenedAt.IsZero() {
		t.Fatalf("unexpected opened_at values %v", infos)
	}
	if _, err := handles["/b"].ReadAll(); err == nil {
		t.Fatalf("evicted handle should be closed once Do returns")
	}
	if _, err := handles["/a"].ReadAll(); err != nil {
		t.Fatalf("surviving handle should stay open: %v", err)
	}
}

func TestEvictDescendants(t *testing.T) {
	fsys := newTestFS(t)
	for _, name := range []string{"/dir/a", "/dir/sub/b", "/dirty"} {
		writeTestFile(t, fsys, name, name)
	}
	c := newTestCache(t, Options{})
	for _, name := range []string{"/dir/a", "/dir/sub/b", "/dirty"} {
		err := c.Do(context.Background(), name, func(tx *Tx) error {
			h, err := Open(fsys, name)
			if err != nil {
				return err
			}
			return tx.Insert(h)
		})
		if err != nil {
			t.Fatalf("insert %s failed: %v", name, err)
		}
	}

	var evicted int
	_ = c.Do(context.Background(), "/dir", func(tx *Tx) error {
		evicted = tx.EvictDescendants()
		return nil
	})
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if !c.Contains("/dirty") || c.Len() != 1 {
		t.Fatalf("sibling with shared prefix must survive, got %v", c.Snapshot().Paths)
	}
}

func TestDoHonoursContextWhileWaiting(t *testing.T) {
	for _, mode := range []LockMode{LockGlobal, LockPerPath} {
		t.Run(string(mode), func(t *testing.T) {
			c := newTestCache(t, Options{LockMode: mode})
			release := holdLock(t, c, "/busy")
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			err := c.Do(ctx, "/busy", func(*Tx) error { return nil })
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline exceeded, got %v", err)
			}
		})
	}
}

func TestGlobalLockSerialisesDifferentPaths(t *testing.T) {
	c := newTestCache(t, Options{LockMode: LockGlobal})
	release := holdLock(t, c, "/a")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Do(ctx, "/b", func(*Tx) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("global mode should queue /b behind /a, got %v", err)
	}
}

func TestPerPathLockAllowsDifferentPaths(t *testing.T) {
	c := newTestCache(t, Options{LockMode: LockPerPath})
	release := holdLock(t, c, "/a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Do(ctx, "/b", func(*Tx) error { return nil }); err != nil {
		t.Fatalf("path mode should not block /b: %v", err)
	}

	release()
	locks, ok := c.locker.(*pathLocker)
	if !ok {
		t.Fatalf("unexpected locker %T", c.locker)
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("path locks should be reclaimed, %d left", n)
	}
}

func TestCloseReleasesHandles(t *testing.T) {
	fsys := newTestFS(t)
	writeTestFile(t, fsys, "/a.txt", "alpha")
	c := newTestCache(t, Options{})

	var h *Handle
	_ = c.Do(context.Background(), "/a.txt", func(tx *Tx) error {
		var err error
		h, err = Open(fsys, tx.Path())
		if err != nil {
			return err
		}
		return tx.Insert(h)
	})

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := h.ReadAll(); err == nil {
		t.Fatalf("handle should be closed with the cache")
	}
	if err := c.Do(context.Background(), "/a.txt", func(*Tx) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{LockMode: "sharded"}); err == nil {
		t.Fatalf("unknown lock mode should fail")
	}
	if _, err := New(Options{MaxOpenFiles: -1}); err == nil {
		t.Fatalf("negative capacity should fail")
	}
}

func TestParseLockMode(t *testing.T) {
	testCases := []struct {
		raw     string
		want    LockMode
		wantErr bool
	}{
		{"", LockGlobal, false},
		{"global", LockGlobal, false},
		{" PATH ", LockPerPath, false},
		{"sharded", "", true},
	}
	for _, tc := range testCases {
		got, err := ParseLockMode(tc.raw)
		if tc.wantErr != (err != nil) {
			t.Fatalf("ParseLockMode(%q) err = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLockMode(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

// holdLock 在后台协程中占用 path 的锁，直到返回的函数被调用。
func holdLock(t *testing.T, c *Cache, path string) func() {
	t.Helper()
	acquired := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = c.Do(context.Background(), path, func(*Tx) error {
			close(acquired)
			<-done
			return nil
		})
	}()
	<-acquired

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		<-finished
	}
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestFS(t *testing.T) billy.Filesystem {
	t.Helper()
	return osfs.New(t.TempDir())
}

func writeTestFile(t *testing.T, fsys billy.Filesystem, name, content string) {
	t.Helper()
	if err := util.WriteFile(fsys, name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", name, err)
	}
}

func fileMode(t *testing.T, fsys billy.Filesystem, name string) os.FileMode {
	t.Helper()
	info, err := fsys.Stat(name)
	if err != nil {
		t.Fatalf("stat %s failed: %v", name, err)
	}
	return info.Mode().Perm()
}
