package unzip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/John-Robertt/specpdf/internal/infra/fsx"
	"github.com/John-Robertt/specpdf/internal/infra/logx"
)

// ErrUnsafePath 表示压缩包条目试图写到目标目录之外（zip-slip）。
var ErrUnsafePath = errors.New("压缩包条目路径越界")

type Stats struct {
	Archives  int
	Extracted int      // 解出的文件数
	Bad       []string // 损坏/不安全而被跳过的压缩包
}

// ExtractAll 把 root 下所有 *.zip 解到同级的“去掉扩展名”的目录中。
//
// 规则：
// - 遍历错误直接返回
// - 单个压缩包损坏或含越界条目：记录到 Stats.Bad 并跳过，不影响其余
// - 已存在的同名文件会被覆盖（重复运行结果一致）
func ExtractAll(root string, log *zap.Logger) (Stats, error) {
	log = logx.OrNop(log)

	var archives []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".zip") {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	for _, a := range archives {
		st.Archives++
		n, err := Extract(a, TargetDir(a))
		if err != nil {
			log.Warn("跳过损坏的压缩包", zap.String("zip", a), zap.Error(err))
			st.Bad = append(st.Bad, a)
			continue
		}
		st.Extracted += n
	}
	return st, nil
}

// TargetDir：a/b/21905-i10.zip -> a/b/21905-i10
func TargetDir(archive string) string {
	return strings.TrimSuffix(archive, filepath.Ext(archive))
}

// Extract 把单个压缩包解到 dest，返回解出的文件数。
func Extract(archive, dest string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			_ = zr.Close()
		}
		return 0, fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	// 先整体校验路径，避免解到一半才发现越界。
	for _, f := range zr.File {
		if _, err := entryPath(dest, f.Name); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, f := range zr.File {
		p, _ := entryPath(dest, f.Name)
		if f.FileInfo().IsDir() {
			if err := fsx.EnsureDir(p); err != nil {
				return n, err
			}
			continue
		}
		if err := extractFile(f, p); err != nil {
			return n, fmt.Errorf("%s: %w", f.Name, err)
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, p string) error {
	if err := fsx.EnsureDir(filepath.Dir(p)); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	// 条目大小以压缩包目录为准；多读一个字节用于发现声明不符。
	limited := io.LimitReader(rc, int64(f.UncompressedSize64)+1)
	written, err := fsx.WriteFileAtomicFromReader(filepath.Dir(p), filepath.Base(p), limited)
	if err != nil {
		return err
	}
	if uint64(written) != f.UncompressedSize64 {
		_ = os.Remove(p)
		return fmt.Errorf("大小不符：声明 %d，实际 %d", f.UncompressedSize64, written)
	}
	return nil
}

func entryPath(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	p := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return p, nil
}
