// Package cache keeps one open file handle per request path so that repeated
// reads and patch writes do not pay an open/close cycle each time.
//
// Every access to a path's handle happens inside Cache.Do, which holds the
// lock for that path (or the single process-wide lock, depending on LockMode)
// for the whole callback, filesystem I/O included. Handles are created lazily
// by the file operations, replaced on write, and dropped on close/remove or
// when the optional MaxOpenFiles bound evicts the least recently used entry.
// Writes truncate and rewrite the existing file in place, so symlinks, hard
// links and handles cached under another spelling of the same path all see the
// new content.
package cache
