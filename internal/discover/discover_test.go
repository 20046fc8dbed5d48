package discover

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/specpdf/internal/infra/fsx"
)

func TestDestPath_MirrorsAndAppendsSuffix(t *testing.T) {
	got, err := DestPath("root", "out", filepath.Join("root", "A", "B", "doc1.doc"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("out", "A", "B", "doc1.doc.pdf"), got)

	_, err = DestPath("root", "out", filepath.Join("other", "x.doc"))
	require.Error(t, err, "root 之外的文件不应得到目标路径")
}

func TestIsConvertible_CaseInsensitive(t *testing.T) {
	for _, name := range []string{"a.doc", "A.DOC", "b.Dot", "c.rtf"} {
		require.True(t, IsConvertible(name), name)
	}
	for _, name := range []string{"a.docx", "a.pdf", "a.zip", "doc", "a.doc.txt"} {
		require.False(t, IsConvertible(name), name)
	}
}

func TestDiscover_PartitionsAndCreatesDirs(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "src")
	out := filepath.Join(base, "out")

	writeSized(t, filepath.Join(root, "A", "B", "doc1.doc"), 30)
	writeSized(t, filepath.Join(root, "A", "done.DOC"), 10)
	writeSized(t, filepath.Join(root, "readme.txt"), 5)
	writeSized(t, filepath.Join(root, "C", "notes.rtf"), 20)

	// done.DOC 已有产物：必须归入 PreConverted。
	writeSized(t, filepath.Join(out, "A", "done.DOC.pdf"), 1)

	res, err := Discover(root, out, Options{})
	require.NoError(t, err)

	require.Equal(t, 4, res.Scanned)
	require.Equal(t, 3, res.Convertible)
	require.Equal(t, []string{filepath.Join(root, "A", "done.DOC")}, res.PreConverted)
	require.Len(t, res.Pending, 2)
	require.Equal(t, res.Convertible, len(res.PreConverted)+len(res.Pending))

	first := res.Pending[0]
	require.Equal(t, filepath.Join(root, "A", "B", "doc1.doc"), first.SourcePath)
	require.Equal(t, filepath.Join(out, "A", "B", "doc1.doc.pdf"), first.DestPath)
	require.EqualValues(t, 30, first.Priority)

	for _, it := range res.Pending {
		fi, err := os.Stat(filepath.Dir(it.DestPath))
		require.NoError(t, err, "入队前必须创建目标父目录")
		require.True(t, fi.IsDir())
	}
}

func TestDiscover_ExcludesNestedOutRootAndConfiguredDirs(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "pdfs")

	writeSized(t, filepath.Join(root, "pdfs", "old.doc"), 1)
	writeSized(t, filepath.Join(root, "tmp", "skip.doc"), 1)
	writeSized(t, filepath.Join(root, "keep", "a.doc"), 1)

	res, err := Discover(root, out, Options{ExcludeDirs: []string{"tmp"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Convertible)
	require.Len(t, res.Pending, 1)
	require.Equal(t, filepath.Join(root, "keep", "a.doc"), res.Pending[0].SourcePath)
}

func TestDiscover_MissingRootIsFatal(t *testing.T) {
	base := t.TempDir()
	_, err := Discover(filepath.Join(base, "nope"), filepath.Join(base, "out"), Options{})
	require.Error(t, err)

	var de *Error
	require.True(t, errors.As(err, &de), "期望 *discover.Error，实际 %T", err)
}

func TestDiscover_RootMustBeDirectory(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "a.doc")
	writeSized(t, file, 3)

	_, err := Discover(file, filepath.Join(base, "out"), Options{})
	var de *Error
	require.True(t, errors.As(err, &de), "root 是普通文件时期望 *discover.Error，实际 %v", err)
	require.Equal(t, file, de.Path)

	_, statErr := os.Stat(filepath.Join(base, "out"))
	require.True(t, os.IsNotExist(statErr), "失败时不应创建任何目标目录")
}

func TestDiscover_SymlinkUsesTargetSize(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 unix 符号链接语义")
	}
	base := t.TempDir()
	root := filepath.Join(base, "src")
	out := filepath.Join(base, "out")
	big := filepath.Join(base, "elsewhere", "big.doc")
	writeSized(t, big, 100000)
	writeSized(t, filepath.Join(root, "small.doc"), 10)
	require.NoError(t, os.Symlink(big, filepath.Join(root, "link.doc")))

	// 指向目录的链接不跟随，也不计入 Scanned。
	require.NoError(t, os.MkdirAll(filepath.Join(base, "dir.doc"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(base, "dir.doc"), filepath.Join(root, "dirlink.doc")))

	res, err := Discover(root, out, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Scanned)
	require.Len(t, res.Pending, 2)

	sizes := map[string]int64{}
	for _, it := range res.Pending {
		sizes[filepath.Base(it.SourcePath)] = it.Priority
	}
	require.Equal(t, map[string]int64{"link.doc": 100000, "small.doc": 10}, sizes)
}

func TestDiscover_DanglingSymlinkIsFatal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("需要 unix 符号链接语义")
	}
	base := t.TempDir()
	root := filepath.Join(base, "src")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.Symlink(filepath.Join(base, "gone.doc"), filepath.Join(root, "gone.doc")))

	_, err := Discover(root, filepath.Join(base, "out"), Options{})
	var de *Error
	require.True(t, errors.As(err, &de), "悬空链接期望 *discover.Error，实际 %v", err)
}

func TestDiscover_UnreadableSubtreeIsFatal(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("需要非 root 的 unix 权限语义")
	}
	base := t.TempDir()
	root := filepath.Join(base, "src")
	locked := filepath.Join(root, "locked")
	writeSized(t, filepath.Join(locked, "a.doc"), 1)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	_, err := Discover(root, filepath.Join(base, "out"), Options{})
	require.Error(t, err, "不可读的子树必须让 discover 失败，而不是被跳过")
}

func TestDiscover_DestIsDirectoryConflict(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "src")
	out := filepath.Join(base, "out")
	writeSized(t, filepath.Join(root, "a.doc"), 1)
	require.NoError(t, os.MkdirAll(filepath.Join(out, "a.doc.pdf"), 0o755))

	_, err := Discover(root, out, Options{})
	require.True(t, fsx.IsPathTypeConflict(err), "期望类型冲突，实际 %v", err)
}

func writeSized(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}
