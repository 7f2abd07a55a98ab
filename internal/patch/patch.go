package patch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrInvalidPatch 表示请求体无法解析为补丁。
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrPatchRejected 表示补丁无法应用到当前内容。
	ErrPatchRejected = errors.New("patch does not apply")
)

// Applier 描述补丁能力：给定原始内容与补丁字节，返回打补丁后的内容。
type Applier interface {
	Apply(original, patch []byte) ([]byte, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(original, patch []byte) ([]byte, error)

// Apply makes ApplierFunc satisfy Applier.
func (f ApplierFunc) Apply(original, patch []byte) ([]byte, error) {
	return f(original, patch)
}

// DiffMatchPatch 基于 diff-match-patch 文本格式实现 Applier。
// 匹配阈值固定为 0，禁止模糊匹配，原文不一致时整体拒绝。
type DiffMatchPatch struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewApplier 返回严格匹配模式的 diff-match-patch 实现。
func NewApplier() *DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = 0
	dmp.PatchDeleteThreshold = 0
	return &DiffMatchPatch{dmp: dmp}
}

// Apply 解析 patch 并应用到 original；任何一个 hunk 失败都会返回 ErrPatchRejected。
// 底层库在畸形坐标下可能 panic，这里统一转换为 ErrInvalidPatch。
func (d *DiffMatchPatch) Apply(original, patch []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrInvalidPatch, r)
		}
	}()

	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	if !utf8.Valid(patch) {
		return nil, fmt.Errorf("%w: patch is not valid UTF-8", ErrInvalidPatch)
	}
	patches, err := d.dmp.PatchFromText(string(patch))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(patches) == 0 {
		return nil, fmt.Errorf("%w: no hunks found", ErrInvalidPatch)
	}
	if !utf8.Valid(original) {
		return nil, fmt.Errorf("%w: original content is not valid UTF-8", ErrPatchRejected)
	}

	patched, applied := d.dmp.PatchApply(patches, string(original))
	for i, ok := range applied {
		if ok {
			continue
		}
		// 超长 hunk 会被库内部拆分，序号可能超出原始列表。
		if i < len(patches) {
			return nil, fmt.Errorf("%w: hunk %d (%s) failed", ErrPatchRejected, i+1, hunkHeader(patches[i]))
		}
		return nil, fmt.Errorf("%w: hunk %d failed", ErrPatchRejected, i+1)
	}
	return []byte(patched), nil
}

// Make 生成把 from 变为 to 的补丁文本，主要供客户端工具与测试使用。
func Make(from, to string) []byte {
	dmp := diffmatchpatch.New()
	return []byte(dmp.PatchToText(dmp.PatchMake(from, to)))
}

func hunkHeader(p diffmatchpatch.Patch) string {
	header, _, _ := strings.Cut(p.String(), "\n")
	return header
}
