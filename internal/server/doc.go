// Package server hosts the Fiber HTTP service: the request-id middleware, the
// (method, path) route table for file operations and the plain-text error
// rendering that maps structured errors onto status codes. The target path of
// every operation is the raw query string, so /read?/etc/hosts reads
// /etc/hosts. Keep exports narrow and accept explicit dependencies; the
// diagnostics routes in the routes subpackage register themselves on the app
// returned by NewApp.
package server
