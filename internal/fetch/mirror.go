package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/specpdf/internal/infra/fsx"
	"github.com/John-Robertt/specpdf/internal/infra/logx"
)

type Options struct {
	Workers int // 并发下载数；<1 视为 1
	Logger  *zap.Logger
}

type Stats struct {
	Dirs       int
	Files      int
	Downloaded int
	Skipped    int
	Bytes      int64
}

// Mirror 把 remoteDir 递归镜像到 localDir。
//
// 规则：
// - 目录串行遍历；文件下载并发（errgroup，上限 opts.Workers）
// - 本地已存在且大小一致（远端大小未知时：本地非空）则跳过
// - 文件原子写入（tmp + rename），中断不会留下半截文件
// - 任何错误都中止整个镜像并返回第一个错误
func Mirror(ctx context.Context, src Source, remoteDir, localDir string, opts Options) (Stats, error) {
	log := logx.OrNop(opts.Logger)
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu sync.Mutex
		st Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	rootRemote := "/" + strings.Trim(remoteDir, "/")
	pending := []string{rootRemote}
	for len(pending) > 0 && gctx.Err() == nil {
		dir := pending[0]
		pending = pending[1:]

		entries, err := src.List(gctx, dir)
		if err != nil {
			_ = g.Wait()
			return st, err
		}
		st.Dirs++

		for _, e := range entries {
			if !safeName(e.Name) {
				_ = g.Wait()
				return st, &Error{Op: "list", Path: e.Path, Err: fmt.Errorf("非法文件名 %q", e.Name)}
			}
			if e.IsDir {
				pending = append(pending, e.Path)
				continue
			}

			rel := strings.TrimPrefix(strings.TrimPrefix(e.Path, rootRemote), "/")
			local := filepath.Join(localDir, filepath.FromSlash(rel))
			mu.Lock()
			st.Files++
			mu.Unlock()

			e := e
			g.Go(func() error {
				skipped, n, err := download(gctx, src, e, local)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if skipped {
					st.Skipped++
					return nil
				}
				st.Downloaded++
				st.Bytes += n
				log.Debug("downloaded", zap.String("remote", e.Path), zap.Int64("bytes", n))
				return nil
			})
		}
	}

	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return st, err
}

func download(ctx context.Context, src Source, e Entry, local string) (skipped bool, n int64, err error) {
	if fi, statErr := os.Stat(local); statErr == nil && fi.Mode().IsRegular() {
		if (e.Size < 0 && fi.Size() > 0) || fi.Size() == e.Size {
			return true, 0, nil
		}
	}

	dir := filepath.Dir(local)
	if err := fsx.EnsureDir(dir); err != nil {
		return false, 0, &Error{Op: "write", Path: local, Err: err}
	}

	rc, err := src.Open(ctx, e.Path)
	if err != nil {
		return false, 0, err
	}
	defer rc.Close()

	n, err = fsx.WriteFileAtomicFromReader(dir, filepath.Base(local), rc)
	if err != nil {
		return false, 0, &Error{Op: "write", Path: local, Err: err}
	}
	return false, n, nil
}

func safeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
