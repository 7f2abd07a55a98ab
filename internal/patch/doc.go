// Package patch turns a request body into a transformation of file content.
// Patches use the diff-match-patch text format ("@@ -1,3 +1,4 @@" hunks with
// percent-encoded payload lines) and are applied strictly: every hunk must
// match the original content exactly, otherwise the whole patch is rejected
// and the caller keeps the original bytes untouched.
package patch
