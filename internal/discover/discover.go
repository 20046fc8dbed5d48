package discover

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/specpdf/internal/domain"
	"github.com/John-Robertt/specpdf/internal/infra/fsx"
)

// PDFSuffix 追加在原文件名之后（report.doc -> report.doc.pdf），而不是替换扩展名。
const PDFSuffix = ".pdf"

// Options 是 discover 的可选项。
type Options struct {
	// ExcludeDirs 均视为相对 root 的路径（若是绝对路径，则按绝对路径处理）。
	ExcludeDirs []string
}

// Result 是一次发现的输出。
//
// 不变量：len(PreConverted) + len(Pending) == Convertible。
type Result struct {
	Scanned     int
	Convertible int

	PreConverted []string
	Pending      []domain.WorkItem
}

// Error 表示源目录树不可读或目标目录无法准备；对整次 run 是致命错误。
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discover 失败：%q：%v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errNotDir = errors.New("不是目录")

// IsConvertible 判断文件名是否是可转换的旧版文档（扩展名大小写不敏感）。
func IsConvertible(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".doc", ".dot", ".rtf":
		return true
	default:
		return false
	}
}

// DestPath 计算镜像目标路径：outRoot/<相对目录>/<原文件名>.pdf。
func DestPath(root, outRoot, src string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(src))
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q 不在 %q 之下", src, root)
	}
	return filepath.Join(filepath.Clean(outRoot), rel+PDFSuffix), nil
}

// Discover 递归扫描 root，按“目标是否已存在”把可转换文件分成 PreConverted 与 Pending。
//
// 规则：
// - 遍历中任何错误都直接返回（不静默跳过子树）
// - outRoot 位于 root 之下时永久排除（避免把产物当输入）
// - 目标父目录在这里创建（幂等）；只做 stat，不读文件内容
// - Pending 按遍历（字典）顺序返回，不排序；出队顺序由 queue 决定
// - 文件符号链接按目标文件计大小；指向目录的链接不跟随
func Discover(root, outRoot string, opts Options) (Result, error) {
	root = filepath.Clean(root)
	outRoot = filepath.Clean(outRoot)
	if fi, err := os.Stat(root); err != nil {
		return Result{}, &Error{Path: root, Err: err}
	} else if !fi.IsDir() {
		return Result{}, &Error{Path: root, Err: errNotDir}
	}
	excluded := buildExcluded(root, outRoot, opts.ExcludeDirs)

	var res Result
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return &Error{Path: path, Err: walkErr}
		}

		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		var info fs.FileInfo
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				return &Error{Path: path, Err: err}
			}
			if target.IsDir() {
				return nil
			}
			info = target
		}

		res.Scanned++
		if !IsConvertible(d.Name()) {
			return nil
		}
		res.Convertible++

		dst, err := DestPath(root, outRoot, path)
		if err != nil {
			return &Error{Path: path, Err: err}
		}
		if err := fsx.EnsureDir(filepath.Dir(dst)); err != nil {
			return &Error{Path: filepath.Dir(dst), Err: err}
		}

		exists, err := fsx.FileExists(dst)
		if err != nil {
			return &Error{Path: dst, Err: err}
		}
		if exists {
			res.PreConverted = append(res.PreConverted, path)
			return nil
		}

		if info == nil {
			if info, err = d.Info(); err != nil {
				return &Error{Path: path, Err: err}
			}
		}
		res.Pending = append(res.Pending, domain.WorkItem{
			SourcePath: path,
			DestPath:   dst,
			Priority:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func buildExcluded(root, outRoot string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	if outRoot != root && isUnder(outRoot, root) {
		excluded = append(excluded, outRoot)
	}

	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, strings.TrimSuffix(base, sep)+sep)
}
