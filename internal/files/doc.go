// Package files implements the file operations exposed by the service:
// CreateFile, CreateDir, Read, Write (patch pipeline), Remove and Close.
// Every operation runs inside the open file cache's lock for its target path,
// and every failure is returned as a structured error from
// github.com/jmgilman/go/errors so the transport layer can map it to a
// client error response.
package files
