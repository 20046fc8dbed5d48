package unzip

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractAll_SiblingDirAndBadArchiveSkipped(t *testing.T) {
	root := t.TempDir()
	writeZip(t, filepath.Join(root, "21_series", "21905-i10.zip"), map[string]string{
		"21905-i10.doc":    "doc body",
		"figures/fig1.emf": "emf",
	})
	writeZip(t, filepath.Join(root, "UPPER.ZIP"), map[string]string{"x.rtf": "rtf"})
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.zip"), []byte("not a zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "plain.doc"), []byte("x"), 0o644))

	st, err := ExtractAll(root, nil)
	require.NoError(t, err)
	require.Equal(t, 3, st.Archives)
	require.Equal(t, 3, st.Extracted)
	require.Equal(t, []string{filepath.Join(root, "broken.zip")}, st.Bad)

	b, err := os.ReadFile(filepath.Join(root, "21_series", "21905-i10", "21905-i10.doc"))
	require.NoError(t, err)
	require.Equal(t, "doc body", string(b))
	require.FileExists(t, filepath.Join(root, "21_series", "21905-i10", "figures", "fig1.emf"))
	require.FileExists(t, filepath.Join(root, "UPPER", "x.rtf"))

	// 重复运行结果一致。
	st2, err := ExtractAll(root, nil)
	require.NoError(t, err)
	require.Equal(t, st, st2)
}

func TestExtract_RejectsZipSlip(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(root, "evil.zip")
	writeZip(t, archive, map[string]string{
		"ok.doc":            "fine",
		"../../escaped.doc": "bad",
	})

	_, err := Extract(archive, TargetDir(archive))
	require.True(t, errors.Is(err, ErrUnsafePath), "期望 ErrUnsafePath，实际 %v", err)
	require.NoFileExists(t, filepath.Join(root, "evil", "ok.doc"), "越界压缩包不应解出任何文件")
	require.NoFileExists(t, filepath.Join(filepath.Dir(root), "escaped.doc"))

	st, err := ExtractAll(root, nil)
	require.NoError(t, err)
	require.Equal(t, []string{archive}, st.Bad)
}

func TestExtractAll_MissingRoot(t *testing.T) {
	_, err := ExtractAll(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}

func TestTargetDir(t *testing.T) {
	require.Equal(t, filepath.Join("a", "b", "38300-i00"), TargetDir(filepath.Join("a", "b", "38300-i00.zip")))
}
