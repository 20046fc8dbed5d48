package fsx

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplace_SuccessAndNoTempLeft(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, WriteFileAtomicReplace(dir, "a.txt", []byte("hello")))
	require.NoError(t, WriteFileAtomicReplace(dir, "a.txt", []byte("world")), "覆盖写入不应失败")

	b, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(b))

	assertNoTemp(t, dir, "a.txt")
}

func TestWriteFileAtomicFromReader_RenameFail_CleanupTemp(t *testing.T) {
	dir := t.TempDir()

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return os.ErrPermission
	}
	defer func() { renameFunc = old }()

	_, err := WriteFileAtomicFromReader(dir, "a.pdf", strings.NewReader("%PDF"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "a.pdf"))
	require.True(t, os.IsNotExist(statErr), "不应写出最终文件")
	assertNoTemp(t, dir, "a.pdf")
}

type brokenReader struct{ n int }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("连接中断")
	}
	r.n--
	return copy(p, "xxxx"), nil
}

func TestWriteFileAtomicFromReader_PartialReadLeavesNothing(t *testing.T) {
	dir := t.TempDir()

	n, err := WriteFileAtomicFromReader(dir, "a.pdf", io.MultiReader(strings.NewReader("%PDF-1.7"), &brokenReader{n: 2}))
	require.Error(t, err)
	require.Positive(t, n, "中断前应已写入部分字节")

	_, statErr := os.Stat(filepath.Join(dir, "a.pdf"))
	require.True(t, os.IsNotExist(statErr), "半截写入不能留下目标文件")
	assertNoTemp(t, dir, "a.pdf")
}

func TestEnsureDir_IdempotentAndConflict(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "A", "B")

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir), "已存在的目录不是错误")

	f := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	err := EnsureDir(f)
	require.True(t, IsPathTypeConflict(err), "期望 PathTypeConflictError，实际：%T %v", err, err)
}

func TestFileExists(t *testing.T) {
	root := t.TempDir()

	ok, err := FileExists(filepath.Join(root, "missing.pdf"))
	require.NoError(t, err)
	require.False(t, ok)

	p := filepath.Join(root, "a.pdf")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	ok, err = FileExists(p)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.Mkdir(filepath.Join(root, "d.pdf"), 0o755))
	_, err = FileExists(filepath.Join(root, "d.pdf"))
	require.True(t, IsPathTypeConflict(err), "目录占位应是类型冲突")
}

func assertNoTemp(t *testing.T, dir, name string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), "."+name+".tmp-"), "临时文件未清理：%q", e.Name())
	}
}
