package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Entry 是远端目录中的一项。Size < 0 表示来源无法给出大小。
type Entry struct {
	Name  string
	Path  string // 远端绝对路径（以 / 分隔）
	IsDir bool
	Size  int64
}

// Source 把“远端规格仓库”的访问方式（FTP / HTTP 目录页）收敛为统一接口。
//
// 约束：
// - List 只列一层，不递归（递归由 Mirror 负责）
// - Open 返回的 reader 必须由调用方 Close
// - 实现必须允许多个 Open 并发进行
type Source interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Close() error
}

// Error 表示 fetch 阶段某个远端/本地操作失败（会中止整个 fetch 阶段）。
type Error struct {
	Op   string // list | open | read | write
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("fetch %s %q: %v", e.Op, e.Path, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusError 表示 HTTP 目录站点返回了非 2xx 的状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	return fmt.Sprintf("HTTP %d url=%s", e.StatusCode, e.URL)
}

// joinRemote 拼接远端路径（始终使用 /，结果以 / 开头）。
func joinRemote(dir, name string) string {
	dir = "/" + strings.Trim(dir, "/")
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
